package sqlserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

func orderMapping() api.EntityMapping {
	return api.EntityMapping{
		Name:       "order",
		Schema:     "Sales",
		Table:      "Order",
		KeyColumns: []string{"OrderId"},
		Children: []api.ChildMapping{{
			Schema:      "Sales",
			Table:       "OrderLine",
			JoinColumns: []api.JoinColumn{{Child: "OrderId", Root: "OrderId"}},
		}},
	}
}

func TestQuoteName(t *testing.T) {
	assert.Equal(t, "[Order]", quoteName("Order"))
	assert.Equal(t, "[we]]ird]", quoteName("we]ird"))
	assert.Equal(t, "cdc.[Sales_Order_CT]", changeTable("Sales_Order"))
}

func TestBuildRootQuery(t *testing.T) {
	q := buildRootQuery(orderMapping(), []string{"OrderId", "Total"})

	assert.Contains(t, q, "SELECT ct.__$start_lsn, ct.__$seqval, ct.__$operation, ct.[OrderId], t.[OrderId], t.[OrderId], t.[Total]")
	assert.Contains(t, q, "FROM cdc.[Sales_Order_CT] AS ct WITH (NOLOCK)")
	assert.Contains(t, q, "LEFT OUTER JOIN [Sales].[Order] AS t ON t.[OrderId] = ct.[OrderId]")
	assert.Contains(t, q, "BETWEEN @minLsn AND @maxLsn")
	assert.Contains(t, q, "ct.__$operation IN (1, 2, 4)")
	assert.Contains(t, q, "ORDER BY ct.__$start_lsn, ct.__$seqval")
}

func TestBuildChildQuery(t *testing.T) {
	m := orderMapping()
	q := buildChildQuery(m, m.Children[0], []string{"OrderId", "Total"})

	assert.Contains(t, q, "ct.__$operation, r.[OrderId], r.[OrderId], r.[OrderId], r.[Total]")
	assert.Contains(t, q, "FROM cdc.[Sales_OrderLine_CT] AS ct")
	assert.Contains(t, q, "INNER JOIN [Sales].[Order] AS r ON r.[OrderId] = ct.[OrderId]")
}

func TestBuildWindowEndQuery(t *testing.T) {
	q := buildWindowEndQuery("Sales_Order")
	assert.Contains(t, q, "SELECT MAX(x.__$start_lsn)")
	assert.Contains(t, q, "TOP(@maxRows)")
	assert.Contains(t, q, "ct.__$start_lsn >= @startLsn")
	assert.Contains(t, q, "cdc.[Sales_Order_CT]")
}

func TestBuildVersionQueries(t *testing.T) {
	tables := trackingTables{schema: "NTangle"}

	q := buildVersionQuery(tables, 3)
	assert.Contains(t, q, "FROM [NTangle].[VersionTracking]")
	assert.Contains(t, q, "[Key] IN (@k0, @k1, @k2)")

	m := buildVersionMerge(tables)
	assert.Contains(t, m, "MERGE INTO [NTangle].[VersionTracking] AS target")
	assert.Contains(t, m, "WHEN NOT MATCHED THEN")
}

func TestCreateStatements(t *testing.T) {
	stmts := trackingTables{schema: "NTangle"}.createStatements()
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[0], "CREATE SCHEMA [NTangle]")
	assert.Contains(t, stmts[1], "CREATE TABLE [NTangle].[BatchTracking]")
	assert.Contains(t, stmts[2], "CREATE TABLE [NTangle].[BatchTrackingLsn]")
	assert.Contains(t, stmts[3], "PRIMARY KEY ([Schema], [Table], [Key])")
}

func TestGetOperationType(t *testing.T) {
	tests := map[int]api.OperationType{1: api.Delete, 2: api.Create, 3: api.Update, 4: api.Update}
	for in, want := range tests {
		got, ok := getOperationType(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := getOperationType(5)
	assert.False(t, ok)
}

func TestResolveStart(t *testing.T) {
	minLSN := []byte{0, 0, 0, 5}

	start, lost, err := resolveStart(nil, minLSN, false)
	require.NoError(t, err)
	assert.Equal(t, minLSN, start)
	assert.False(t, lost)

	next := []byte{0, 0, 0, 7}
	start, lost, err = resolveStart(next, minLSN, false)
	require.NoError(t, err)
	assert.Equal(t, next, start)
	assert.False(t, lost)

	expired := []byte{0, 0, 0, 2}
	_, _, err = resolveStart(expired, minLSN, false)
	assert.ErrorIs(t, err, api.ErrDataLoss)

	start, lost, err = resolveStart(expired, minLSN, true)
	require.NoError(t, err)
	assert.Equal(t, minLSN, start)
	assert.True(t, lost)
}

func TestSortChanges(t *testing.T) {
	rows := []api.ChangeRow{
		{Key: api.NewCompositeKey(3), LSN: []byte{0, 2}, Seq: []byte{0, 1}},
		{Key: api.NewCompositeKey(1), LSN: []byte{0, 1}, Seq: []byte{0, 2}},
		{Key: api.NewCompositeKey(2), LSN: []byte{0, 1}, Seq: []byte{0, 9}},
		{Key: api.NewCompositeKey(0), LSN: []byte{0, 1}, Seq: []byte{0, 1}},
	}
	sortChanges(rows)

	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key.String()
	}
	assert.Equal(t, []string{"0", "1", "2", "3"}, keys)
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "12.50", normalizeValue("DECIMAL", []byte("12.50")))
	assert.Equal(t, []byte{1, 2}, normalizeValue("VARBINARY", []byte{1, 2}))
	assert.Equal(t, int64(4), normalizeValue("INT", int64(4)))

	guid := []byte{0x67, 0x45, 0x23, 0x01, 0xab, 0x89, 0xef, 0xcd, 0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}
	assert.Equal(t, "01234567-89AB-CDEF-0123-456789ABCDEF", normalizeValue("UNIQUEIDENTIFIER", guid))
}

func TestWithKeyColumns(t *testing.T) {
	assert.Equal(t, []string{"Id", "Name"}, withKeyColumns([]string{"Id"}, []string{"Name"}))
	assert.Equal(t, []string{"Name", "Id"}, withKeyColumns([]string{"Id"}, []string{"Name", "Id"}))
	assert.True(t, isZeroLSN(make([]byte, 10)))
	assert.False(t, isZeroLSN([]byte{0, 1}))
}
