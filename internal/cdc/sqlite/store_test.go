package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-orchestrator/internal/cdc"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "cdc.db")+"?_busy_timeout=5000&_txlock=immediate")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func customerStore(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Exec(`CREATE TABLE customer (
		customer_id INTEGER PRIMARY KEY,
		name TEXT,
		is_deleted BOOLEAN NOT NULL DEFAULT 0,
		row_version INTEGER NOT NULL DEFAULT 1
	)`)
	require.NoError(t, err)

	store, err := NewStore(ctx, db, api.EntityMapping{
		Name:            "customer",
		Schema:          "main",
		Table:           "customer",
		KeyColumns:      []string{"customer_id"},
		IsDeletedColumn: "is_deleted",
	})
	require.NoError(t, err)
	require.NoError(t, store.InstallCapture(ctx))
	return db, store
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(query, args...)
	require.NoError(t, err)
}

func claim(t *testing.T, s *Store, maxRows int) (*api.BatchTracker, []api.ChangeRow) {
	t.Helper()
	b, rows, err := s.ClaimBatch(context.Background(), api.ClaimRequest{MaxQuerySize: maxRows})
	require.NoError(t, err)
	return b, rows
}

func TestClaimWithoutChanges(t *testing.T) {
	_, store := customerStore(t)
	b, rows := claim(t, store, 100)
	assert.Nil(t, b)
	assert.Empty(t, rows)
}

func TestClaimReadsCurrentTableState(t *testing.T) {
	db, store := customerStore(t)
	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann')`)
	mustExec(t, db, `UPDATE customer SET name = 'Anne' WHERE customer_id = 1`)
	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (2, 'Bob')`)
	mustExec(t, db, `DELETE FROM customer WHERE customer_id = 2`)

	b, rows := claim(t, store, 100)
	require.NotNil(t, b)
	assert.Equal(t, api.BatchOpen, b.State)
	assert.NotEmpty(t, b.CorrelationID)
	require.Len(t, rows, 4)

	assert.Equal(t, api.Create, rows[0].Operation)
	assert.Equal(t, "Anne", rows[0].Data["name"])
	assert.Equal(t, api.Update, rows[1].Operation)
	assert.Equal(t, api.Create, rows[2].Operation)
	assert.Equal(t, api.Delete, rows[3].Operation)

	// key 2 is gone from the table; its key is kept in the payload
	assert.True(t, rows[2].TableKey.IsInitial())
	assert.Equal(t, int64(2), rows[3].Data["customer_id"])
	assert.Nil(t, rows[3].Data["name"])
}

func TestClaimResurfacesOpenBatch(t *testing.T) {
	db, store := customerStore(t)
	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann')`)

	first, rows := claim(t, store, 100)
	require.NotNil(t, first)
	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (2, 'Bob')`)

	again, againRows := claim(t, store, 100)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.CorrelationID, again.CorrelationID)
	assert.Len(t, againRows, len(rows))
}

func TestCompleteBatchExcludesClaimedRows(t *testing.T) {
	ctx := context.Background()
	db, store := customerStore(t)
	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann')`)

	b, _ := claim(t, store, 100)
	done, err := store.CompleteBatch(ctx, b.ID, []api.VersionTracker{{Key: "1", Hash: "h1"}})
	require.NoError(t, err)
	assert.True(t, done.IsComplete())
	require.NotNil(t, done.CompletedAt)

	next, rows := claim(t, store, 100)
	assert.Nil(t, next)
	assert.Empty(t, rows)

	mustExec(t, db, `UPDATE customer SET name = 'Anne' WHERE customer_id = 1`)
	next, rows = claim(t, store, 100)
	require.NotNil(t, next)
	assert.NotEqual(t, b.ID, next.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, "h1", rows[0].TrackingHash)
}

func TestCompleteUnknownBatch(t *testing.T) {
	_, store := customerStore(t)
	_, err := store.CompleteBatch(context.Background(), 42, nil)

	var dbErr *api.DatabaseError
	assert.ErrorAs(t, err, &dbErr)
}

func TestClaimHonoursMaxQuerySize(t *testing.T) {
	ctx := context.Background()
	db, store := customerStore(t)
	for i := 1; i <= 5; i++ {
		mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (?, 'x')`, i)
	}

	var claimed []int64
	for {
		b, rows := claim(t, store, 2)
		if b == nil {
			break
		}
		assert.LessOrEqual(t, len(rows), 2)
		for _, r := range rows {
			claimed = append(claimed, r.Key[0].(int64))
		}
		_, err := store.CompleteBatch(ctx, b.ID, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, claimed)
}

func TestClaimDetectsDataLoss(t *testing.T) {
	ctx := context.Background()
	db, store := customerStore(t)
	for i := 1; i <= 3; i++ {
		mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (?, 'x')`, i)
	}

	b, _ := claim(t, store, 1)
	_, err := store.CompleteBatch(ctx, b.ID, nil)
	require.NoError(t, err)

	maxLSN, err := MaxLSN(ctx, db)
	require.NoError(t, err)
	require.NoError(t, Truncate(ctx, db, "main_customer", maxLSN-1))

	_, _, err = store.ClaimBatch(ctx, api.ClaimRequest{MaxQuerySize: 10})
	assert.ErrorIs(t, err, api.ErrDataLoss)

	lossy, rows, err := store.ClaimBatch(ctx, api.ClaimRequest{MaxQuerySize: 10, ContinueWithDataLoss: true})
	require.NoError(t, err)
	require.NotNil(t, lossy)
	assert.True(t, lossy.HasDataLoss)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Key[0])
}

func TestChildChangesMapToRoot(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE orders (order_id INTEGER PRIMARY KEY, total REAL)`)
	mustExec(t, db, `CREATE TABLE order_line (line_id INTEGER PRIMARY KEY, order_id INTEGER, qty INTEGER)`)

	store, err := NewStore(ctx, db, api.EntityMapping{
		Name:       "order",
		Schema:     "main",
		Table:      "orders",
		KeyColumns: []string{"order_id"},
		Children: []api.ChildMapping{{
			Schema:      "main",
			Table:       "order_line",
			JoinColumns: []api.JoinColumn{{Child: "order_id", Root: "order_id"}},
		}},
	})
	require.NoError(t, err)
	require.NoError(t, store.InstallCapture(ctx))

	mustExec(t, db, `INSERT INTO orders (order_id, total) VALUES (7, 10.5)`)
	b, _ := claim(t, store, 10)
	_, err = store.CompleteBatch(ctx, b.ID, nil)
	require.NoError(t, err)

	mustExec(t, db, `INSERT INTO order_line (line_id, order_id, qty) VALUES (1, 7, 3)`)
	_, rows := claim(t, store, 10)
	require.Len(t, rows, 1)
	assert.Equal(t, api.Update, rows[0].Operation)
	assert.Equal(t, "7", rows[0].Key.String())
	assert.Equal(t, 10.5, rows[0].Data["total"])
}

type capturePublisher struct {
	mu     sync.Mutex
	events []api.EventEnvelope
}

func (p *capturePublisher) SendBatch(_ context.Context, events []api.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func TestOrchestratorEndToEnd(t *testing.T) {
	ctx := context.Background()
	db, store := customerStore(t)
	pub := &capturePublisher{}

	o, err := cdc.NewOrchestrator(store, pub, hclog.NewNullLogger(), cdc.Options{
		Mapping:         store.mapping,
		ExcludeFromETag: []string{"row_version"},
		Event:           cdc.EventOptions{ActionFormat: cdc.ActionPastTense},
	})
	require.NoError(t, err)

	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (2, 'Bob')`)
	res := o.Execute(ctx)
	require.NoError(t, res.Err)
	require.Len(t, pub.events, 1)

	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann')`)
	mustExec(t, db, `UPDATE customer SET name = 'Anne' WHERE customer_id = 1`)
	mustExec(t, db, `DELETE FROM customer WHERE customer_id = 2`)

	res = o.Execute(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.Status.InitialCount)
	require.Len(t, pub.events, 3)
	assert.Equal(t, "customer.Created", pub.events[1].Type)
	assert.Equal(t, "Anne", pub.events[1].Data["name"])
	assert.Equal(t, "customer.Deleted", pub.events[2].Type)

	// a row version bump alone is not a new version
	mustExec(t, db, `UPDATE customer SET row_version = row_version + 1 WHERE customer_id = 1`)
	res = o.Execute(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Completed)
	assert.Equal(t, 0, *res.Status.PublishCount)

	// a soft delete is published as a delete
	mustExec(t, db, `UPDATE customer SET is_deleted = 1 WHERE customer_id = 1`)
	res = o.Execute(ctx)
	require.NoError(t, res.Err)
	require.Len(t, pub.events, 4)
	assert.Equal(t, "customer.Deleted", pub.events[3].Type)
	assert.Nil(t, pub.events[3].Data["name"])

	res = o.Execute(ctx)
	require.NoError(t, res.Err)
	assert.Nil(t, res.Batch)
}

func TestInstallCaptureLogsEveryChange(t *testing.T) {
	ctx := context.Background()
	db, store := customerStore(t)
	// installing again is a no-op
	require.NoError(t, store.InstallCapture(ctx))

	mustExec(t, db, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann')`)
	mustExec(t, db, `UPDATE customer SET name = 'Anne' WHERE customer_id = 1`)
	mustExec(t, db, `DELETE FROM customer WHERE customer_id = 1`)

	rows, err := db.Query(`SELECT __lsn, __operation FROM cdc_main_customer_CT ORDER BY __lsn`)
	require.NoError(t, err)
	defer rows.Close()

	var lsns, ops []int64
	for rows.Next() {
		var lsn, op int64
		require.NoError(t, rows.Scan(&lsn, &op))
		lsns = append(lsns, lsn)
		ops = append(ops, op)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{2, 4, 1}, ops)
	require.Len(t, lsns, 3)
	assert.Less(t, lsns[0], lsns[1])
	assert.Less(t, lsns[1], lsns[2])

	maxLSN, err := MaxLSN(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, lsns[2], maxLSN)
}

func TestNewStoreDiscoversKeyColumns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mustExec(t, db, `CREATE TABLE account (
		code TEXT NOT NULL,
		region TEXT NOT NULL,
		balance INTEGER,
		PRIMARY KEY (region, code)
	)`)

	store, err := NewStore(ctx, db, api.EntityMapping{Name: "account", Schema: "main", Table: "account"})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "code"}, store.Mapping().KeyColumns)
	require.NoError(t, store.InstallCapture(ctx))

	mustExec(t, db, `INSERT INTO account (code, region, balance) VALUES ('a,b', 'c', 1), ('b,c', 'a', 2)`)
	b, rows := claim(t, store, 100)
	require.NotNil(t, b)
	require.Len(t, rows, 2)
	assert.Equal(t, `c,a\,b`, rows[0].Key.String())

	mustExec(t, db, `CREATE TABLE audit (message TEXT)`)
	_, err = NewStore(ctx, db, api.EntityMapping{Name: "audit", Schema: "main", Table: "audit"})
	assert.ErrorContains(t, err, "no primary key")
}
