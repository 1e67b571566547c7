package sqlserver

import (
	"fmt"
	"strings"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// changeTable returns the change table of a capture instance
func changeTable(captureInstance string) string {
	return "cdc." + quoteName(captureInstance+"_CT")
}

func selectList(alias string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = alias + "." + quoteName(c)
	}
	return strings.Join(parts, ", ")
}

// buildRootQuery reads the root change rows of a window joined to the current table state.
// The scan order is lsn, seq, operation, change key, table key, columns.
//
// The WHERE selects every change in the window (__$start_lsn BETWEEN @minLsn AND @maxLsn). Update
// before-images (operation 3) are skipped; the after-image carries the same key.
func buildRootQuery(m api.EntityMapping, columns []string) string {
	on := make([]string, len(m.KeyColumns))
	for i, k := range m.KeyColumns {
		on[i] = fmt.Sprintf("t.%s = ct.%s", quoteName(k), quoteName(k))
	}

	return fmt.Sprintf(`
		SELECT ct.__$start_lsn, ct.__$seqval, ct.__$operation, %s, %s, %s
		FROM %s AS ct WITH (NOLOCK)
		LEFT OUTER JOIN %s AS t ON %s
		WHERE ct.__$start_lsn BETWEEN @minLsn AND @maxLsn
		AND ct.__$operation IN (1, 2, 4)
		ORDER BY ct.__$start_lsn, ct.__$seqval`,
		selectList("ct", m.KeyColumns),
		selectList("t", m.KeyColumns),
		selectList("t", columns),
		changeTable(m.GetCaptureInstance()),
		m.QualifiedTable(),
		strings.Join(on, " AND "))
}

// buildChildQuery reads the change rows of a child table mapped onto the key of the root row
// they belong to. Child changes whose root row no longer exists are dropped by the join.
func buildChildQuery(m api.EntityMapping, c api.ChildMapping, columns []string) string {
	on := make([]string, len(c.JoinColumns))
	for i, j := range c.JoinColumns {
		on[i] = fmt.Sprintf("r.%s = ct.%s", quoteName(j.Root), quoteName(j.Child))
	}

	return fmt.Sprintf(`
		SELECT ct.__$start_lsn, ct.__$seqval, ct.__$operation, %s, %s, %s
		FROM %s AS ct WITH (NOLOCK)
		INNER JOIN %s AS r ON %s
		WHERE ct.__$start_lsn BETWEEN @minLsn AND @maxLsn
		AND ct.__$operation IN (1, 2, 4)
		ORDER BY ct.__$start_lsn, ct.__$seqval`,
		selectList("r", m.KeyColumns),
		selectList("r", m.KeyColumns),
		selectList("r", columns),
		changeTable(c.GetCaptureInstance()),
		m.QualifiedTable(),
		strings.Join(on, " AND "))
}

// buildWindowEndQuery returns the highest LSN among the next @maxRows changes from @startLsn.
// Windows end on an LSN boundary so a transaction is never split across batches.
func buildWindowEndQuery(captureInstance string) string {
	return fmt.Sprintf(`
		SELECT MAX(x.__$start_lsn)
		FROM (
			SELECT TOP(@maxRows) ct.__$start_lsn
			FROM %s AS ct WITH (NOLOCK)
			WHERE ct.__$start_lsn >= @startLsn
			AND ct.__$start_lsn <= @maxAvailLsn
			AND ct.__$operation IN (1, 2, 4)
			ORDER BY ct.__$start_lsn, ct.__$seqval
		) AS x`, changeTable(captureInstance))
}

// buildVersionQuery selects the tracked hashes of n keys (@k0 .. @kn-1)
func buildVersionQuery(t trackingTables, n int) string {
	params := make([]string, n)
	for i := range params {
		params[i] = fmt.Sprintf("@k%d", i)
	}
	return fmt.Sprintf(`
		SELECT [Key], [Hash]
		FROM %s WITH (NOLOCK)
		WHERE [Schema] = @schema AND [Table] = @table AND [Key] IN (%s)`,
		t.version(), strings.Join(params, ", "))
}

// buildVersionMerge upserts one version tracker
func buildVersionMerge(t trackingTables) string {
	return fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@schema, @table, @key, @hash, SYSUTCDATETIME())) AS source ([Schema], [Table], [Key], [Hash], VersionDate)
	ON target.[Schema] = source.[Schema] AND target.[Table] = source.[Table] AND target.[Key] = source.[Key]
	WHEN MATCHED THEN
		UPDATE SET [Hash] = source.[Hash], VersionDate = source.VersionDate
	WHEN NOT MATCHED THEN
		INSERT ([Schema], [Table], [Key], [Hash], VersionDate)
		VALUES (source.[Schema], source.[Table], source.[Key], source.[Hash], source.VersionDate);`, t.version())
}
