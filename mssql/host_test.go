package mssql

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-orchestrator/internal/config"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []api.EventEnvelope
}

func (p *capturePublisher) SendBatch(ctx context.Context, events []api.EventEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

// createDatabase creates a SQLite database holding the customer table and returns its DSN
func createDatabase(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "app.db") + "?_busy_timeout=5000&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec(`CREATE TABLE customer (
		customer_id INTEGER PRIMARY KEY,
		name TEXT,
		row_version INTEGER NOT NULL DEFAULT 1
	)`)
	require.NoError(t, err)
	return dsn
}

func execSQL(t *testing.T, dsn, query string) {
	t.Helper()
	conn, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Exec(query)
	require.NoError(t, err)
}

func testConfig(dsn string) *config.Config {
	return &config.Config{
		DBDriver:           "sqlite3",
		DBConnectionString: dsn,
		PollInterval:       time.Second,
		LockConfig:         config.LockConfig{Type: "none"},
		Entities: []config.EntityConfig{{
			Name:            "customer",
			Schema:          "main",
			Table:           "customer",
			KeyColumns:      []string{"customer_id"},
			ExcludeFromETag: []string{"row_version"},
			Event:           config.EventConfig{ActionFormat: "past_tense"},
		}},
	}
}

func TestHostRunOnce(t *testing.T) {
	ctx := context.Background()
	dsn := createDatabase(t)
	cfg := testConfig(dsn)
	require.NoError(t, cfg.Validate())

	pub := &capturePublisher{}
	h, err := newHost(ctx, cfg, pub, hclog.NewNullLogger())
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Initialize(ctx))
	assert.Equal(t, []string{"customer"}, h.Names())

	execSQL(t, dsn, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann'), (2, 'Bob')`)

	results, err := h.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "completed", results[0].Outcome())
	require.Len(t, pub.events, 2)
	assert.Equal(t, "customer.Created", pub.events[0].Type)

	var out bytes.Buffer
	require.NoError(t, printResults(&out, h.Names(), results))
	assert.Contains(t, out.String(), "published=2")

	results, err = h.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, "none", results[0].Outcome())
}

func TestHostRunStopsOnCancel(t *testing.T) {
	dsn := createDatabase(t)
	pub := &capturePublisher{}
	h, err := newHost(context.Background(), testConfig(dsn), pub, hclog.NewNullLogger())
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Initialize(context.Background()))

	execSQL(t, dsn, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann')`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.events) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop")
	}
}

func TestPrintResultsReportsFailures(t *testing.T) {
	dsn := createDatabase(t)
	h, err := newHost(context.Background(), testConfig(dsn), &capturePublisher{}, hclog.NewNullLogger())
	require.NoError(t, err)
	h.Close()

	// the closed connection makes the claim fail
	results, err := h.RunOnce(context.Background())
	require.NoError(t, err)
	var out bytes.Buffer
	assert.Error(t, printResults(&out, h.Names(), results))
	assert.Contains(t, out.String(), "error:")
}

func TestCommands(t *testing.T) {
	dsn := createDatabase(t)
	cfgPath := filepath.Join(t.TempDir(), "dstream.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
db_driver: sqlite3
db_connection_string: %q
log_level: error
entities:
  - name: customer
    schema: main
    table: customer
`, dsn)), 0o600))

	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := NewRootCommand("1.2.3")
		cmd.SetOut(&out)
		cmd.SetArgs(append(args, "--config", cfgPath))
		require.NoError(t, cmd.Execute())
		return out.String()
	}

	assert.Equal(t, "dstream 1.2.3\n", run("version"))
	assert.Contains(t, run("init"), "Initialized tracking for 1 entities")
	assert.Contains(t, run("once"), "none")

	execSQL(t, dsn, `INSERT INTO customer (customer_id, name) VALUES (1, 'Ann')`)
	assert.Contains(t, run("once"), "published=1")
}
