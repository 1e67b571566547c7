package sqlserver

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/katasec/dstream-orchestrator/internal/db"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// maxVersionParams keeps version lookups under the SQL Server parameter limit
const maxVersionParams = 1000

// Options configures a Store
type Options struct {
	// TrackingSchema holds the tracking tables; defaults to DefaultTrackingSchema
	TrackingSchema string
}

type changeSource struct {
	query       string
	forceUpdate bool
}

type lsnWindow struct {
	captureInstance string
	min             []byte
	max             []byte
}

// Store is the SQL Server BatchStore of one entity. It claims windows of the CDC change tables of
// the entity's root table and child tables and records batches and versions in the tracking tables.
type Store struct {
	db      *sql.DB
	mapping api.EntityMapping
	tables  trackingTables
	columns []string
	sources map[string]changeSource
	order   []string
}

// NewStore creates the Store for an entity. When the mapping does not list its key columns or
// columns they are read from INFORMATION_SCHEMA.
func NewStore(ctx context.Context, conn *sql.DB, mapping api.EntityMapping, opts Options) (*Store, error) {
	if err := mapping.ValidateForDiscovery(); err != nil {
		return nil, err
	}
	mapping, err := mapping.ResolveKeyColumns(func() ([]string, error) {
		return db.GetPrimaryKeyColumns(ctx, conn, mapping.Schema, mapping.Table)
	})
	if err != nil {
		return nil, err
	}
	if opts.TrackingSchema == "" {
		opts.TrackingSchema = DefaultTrackingSchema
	}

	columns := mapping.Columns
	if len(columns) == 0 {
		columns, err = db.GetColumnNames(ctx, conn, mapping.Schema, mapping.Table)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch column names for %s: %w", mapping.QualifiedTable(), err)
		}
		if len(columns) == 0 {
			return nil, fmt.Errorf("table %s has no columns or does not exist", mapping.QualifiedTable())
		}
		log().Info("Total columns found", "table", mapping.QualifiedTable(), "columns", columns)
	}
	columns = withKeyColumns(mapping.KeyColumns, columns)

	s := &Store{
		db:      conn,
		mapping: mapping,
		tables:  trackingTables{schema: opts.TrackingSchema},
		columns: columns,
		sources: make(map[string]changeSource, 1+len(mapping.Children)),
	}

	root := mapping.GetCaptureInstance()
	s.sources[root] = changeSource{query: buildRootQuery(mapping, columns)}
	s.order = append(s.order, root)
	for _, c := range mapping.Children {
		ci := c.GetCaptureInstance()
		s.sources[ci] = changeSource{query: buildChildQuery(mapping, c, columns), forceUpdate: true}
		s.order = append(s.order, ci)
	}
	return s, nil
}

// Mapping returns the entity mapping with its discovered key columns
func (s *Store) Mapping() api.EntityMapping {
	return s.mapping
}

func withKeyColumns(keys, columns []string) []string {
	seen := make(map[string]bool, len(columns))
	for _, c := range columns {
		seen[c] = true
	}
	out := make([]string, 0, len(keys)+len(columns))
	for _, k := range keys {
		if !seen[k] {
			out = append(out, k)
		}
	}
	return append(out, columns...)
}

// ClaimBatch returns the oldest incomplete batch of the entity with its rows when there is one;
// otherwise it opens a new batch over the next window of every capture instance.
func (s *Store) ClaimBatch(ctx context.Context, req api.ClaimRequest) (*api.BatchTracker, []api.ChangeRow, error) {
	batch, rows, err := s.claim(ctx, req)
	if err != nil {
		if errors.Is(err, api.ErrDataLoss) {
			return nil, nil, err
		}
		return nil, nil, api.NewDatabaseError("claim", err)
	}
	return batch, rows, nil
}

func (s *Store) claim(ctx context.Context, req api.ClaimRequest) (*api.BatchTracker, []api.ChangeRow, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	batch, windows, err := s.openBatch(ctx, tx)
	if err != nil {
		return nil, nil, err
	}
	if batch != nil {
		log().Info("Resuming incomplete batch", "entity", s.mapping.Name, "batchId", batch.ID, "correlationId", batch.CorrelationID)
	} else {
		batch, windows, err = s.newBatch(ctx, tx, req)
		if err != nil {
			return nil, nil, err
		}
		if batch == nil {
			return nil, nil, tx.Commit()
		}
	}

	rows, err := s.readChanges(ctx, tx, windows)
	if err != nil {
		return nil, nil, err
	}
	if err := s.attachHashes(ctx, tx, rows); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	log().Debug("Claimed batch", "entity", s.mapping.Name, "batchId", batch.ID, "windows", len(windows), "rows", len(rows), "elapsed", since(start))
	return batch, rows, nil
}

func (s *Store) openBatch(ctx context.Context, tx *sql.Tx) (*api.BatchTracker, []lsnWindow, error) {
	query := fmt.Sprintf(`
		SELECT TOP(1) BatchTrackingId, CorrelationId, CreatedDate, HasDataLoss
		FROM %s WITH (UPDLOCK, HOLDLOCK)
		WHERE EntityName = @entity AND IsComplete = 0
		ORDER BY BatchTrackingId`, s.tables.batch())

	b := &api.BatchTracker{EntityName: s.mapping.Name, State: api.BatchOpen}
	err := tx.QueryRowContext(ctx, query, sql.Named("entity", s.mapping.Name)).Scan(&b.ID, &b.CorrelationID, &b.CreatedAt, &b.HasDataLoss)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load incomplete batch: %w", err)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT CaptureInstance, MinLsn, MaxLsn FROM %s WHERE BatchTrackingId = @id`, s.tables.lsn()), sql.Named("id", b.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load windows of batch %d: %w", b.ID, err)
	}
	defer rows.Close()

	var windows []lsnWindow
	for rows.Next() {
		var w lsnWindow
		if err := rows.Scan(&w.captureInstance, &w.min, &w.max); err != nil {
			return nil, nil, err
		}
		windows = append(windows, w)
	}
	return b, windows, rows.Err()
}

func (s *Store) newBatch(ctx context.Context, tx *sql.Tx, req api.ClaimRequest) (*api.BatchTracker, []lsnWindow, error) {
	var maxAvailable []byte
	if err := tx.QueryRowContext(ctx, `SELECT sys.fn_cdc_get_max_lsn()`).Scan(&maxAvailable); err != nil {
		return nil, nil, fmt.Errorf("failed to read max lsn: %w", err)
	}

	var (
		windows  []lsnWindow
		dataLoss bool
	)
	for _, ci := range s.order {
		w, lost, err := s.nextWindow(ctx, tx, ci, maxAvailable, req)
		if err != nil {
			return nil, nil, err
		}
		dataLoss = dataLoss || lost
		if w != nil {
			windows = append(windows, *w)
		}
	}
	if len(windows) == 0 {
		return nil, nil, nil
	}

	b := &api.BatchTracker{
		EntityName:    s.mapping.Name,
		CorrelationID: uuid.NewString(),
		State:         api.BatchOpen,
		HasDataLoss:   dataLoss,
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (EntityName, CorrelationId, HasDataLoss)
		OUTPUT INSERTED.BatchTrackingId, INSERTED.CreatedDate
		VALUES (@entity, @correlationId, @hasDataLoss)`, s.tables.batch())
	err := tx.QueryRowContext(ctx, insert,
		sql.Named("entity", b.EntityName),
		sql.Named("correlationId", b.CorrelationID),
		sql.Named("hasDataLoss", b.HasDataLoss),
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create batch: %w", err)
	}

	insertLsn := fmt.Sprintf(`INSERT INTO %s (BatchTrackingId, CaptureInstance, MinLsn, MaxLsn) VALUES (@id, @ci, @minLsn, @maxLsn)`, s.tables.lsn())
	for _, w := range windows {
		_, err := tx.ExecContext(ctx, insertLsn,
			sql.Named("id", b.ID),
			sql.Named("ci", w.captureInstance),
			sql.Named("minLsn", w.min),
			sql.Named("maxLsn", w.max),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to record window of batch %d: %w", b.ID, err)
		}
		log().Debug("Claimed window", "entity", s.mapping.Name, "batchId", b.ID, "captureInstance", w.captureInstance,
			"minLsn", hex.EncodeToString(w.min), "maxLsn", hex.EncodeToString(w.max))
	}
	return b, windows, nil
}

// nextWindow returns the next window of a capture instance, or nil when it has no new changes.
func (s *Store) nextWindow(ctx context.Context, tx *sql.Tx, ci string, maxAvailable []byte, req api.ClaimRequest) (*lsnWindow, bool, error) {
	var lastMax []byte
	last := fmt.Sprintf(`
		SELECT TOP(1) l.MaxLsn
		FROM %s AS l
		JOIN %s AS b ON b.BatchTrackingId = l.BatchTrackingId
		WHERE b.EntityName = @entity AND l.CaptureInstance = @ci
		ORDER BY l.BatchTrackingId DESC`, s.tables.lsn(), s.tables.batch())
	err := tx.QueryRowContext(ctx, last, sql.Named("entity", s.mapping.Name), sql.Named("ci", ci)).Scan(&lastMax)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to read last window of %s: %w", ci, err)
	}

	var minAvailable []byte
	if err := tx.QueryRowContext(ctx, `SELECT sys.fn_cdc_get_min_lsn(@ci)`, sql.Named("ci", ci)).Scan(&minAvailable); err != nil {
		return nil, false, fmt.Errorf("failed to read min lsn of %s: %w", ci, err)
	}
	if isZeroLSN(minAvailable) {
		return nil, false, fmt.Errorf("capture instance %s does not exist or is not accessible", ci)
	}

	var next []byte
	if lastMax != nil {
		if err := tx.QueryRowContext(ctx, `SELECT sys.fn_cdc_increment_lsn(@lsn)`, sql.Named("lsn", lastMax)).Scan(&next); err != nil {
			return nil, false, fmt.Errorf("failed to increment lsn of %s: %w", ci, err)
		}
	}

	start, lost, err := resolveStart(next, minAvailable, req.ContinueWithDataLoss)
	if err != nil {
		return nil, false, fmt.Errorf("%w: capture instance %s expired changes after lsn %s", err, ci, hex.EncodeToString(lastMax))
	}
	if lost {
		log().Warn("Continuing with change data loss", "entity", s.mapping.Name, "captureInstance", ci,
			"lastLsn", hex.EncodeToString(lastMax), "minAvailableLsn", hex.EncodeToString(minAvailable))
	}

	var end []byte
	err = tx.QueryRowContext(ctx, buildWindowEndQuery(ci),
		sql.Named("maxRows", req.MaxQuerySize),
		sql.Named("startLsn", start),
		sql.Named("maxAvailLsn", maxAvailable),
	).Scan(&end)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read window end of %s: %w", ci, err)
	}
	if end == nil {
		return nil, lost, nil
	}
	return &lsnWindow{captureInstance: ci, min: start, max: end}, lost, nil
}

func isZeroLSN(lsn []byte) bool {
	for _, b := range lsn {
		if b != 0 {
			return false
		}
	}
	return true
}

func (s *Store) readChanges(ctx context.Context, tx *sql.Tx, windows []lsnWindow) ([]api.ChangeRow, error) {
	var changes []api.ChangeRow
	for _, w := range windows {
		src, ok := s.sources[w.captureInstance]
		if !ok {
			return nil, fmt.Errorf("batch references unknown capture instance %s", w.captureInstance)
		}

		rows, err := s.readWindow(ctx, tx, src, w)
		if err != nil {
			return nil, err
		}
		changes = append(changes, rows...)
	}
	sortChanges(changes)
	return changes, nil
}

func (s *Store) readWindow(ctx context.Context, tx *sql.Tx, src changeSource, w lsnWindow) ([]api.ChangeRow, error) {
	rows, err := tx.QueryContext(ctx, src.query, sql.Named("minLsn", w.min), sql.Named("maxLsn", w.max))
	if err != nil {
		return nil, fmt.Errorf("failed to query CDC table for %s: %w", w.captureInstance, err)
	}
	defer rows.Close()

	scanner, err := newRowScanner(rows, s.mapping.KeyColumns, s.columns, src.forceUpdate)
	if err != nil {
		return nil, err
	}

	var changes []api.ChangeRow
	for rows.Next() {
		row, ok, err := scanner.scan(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			changes = append(changes, row)
		}
	}
	return changes, rows.Err()
}

// attachHashes sets the tracked hash of every row from the version ledger
func (s *Store) attachHashes(ctx context.Context, tx *sql.Tx, rows []api.ChangeRow) error {
	var keys []string
	seen := make(map[string]bool)
	for _, r := range rows {
		k := r.Key.String()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	hashes := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += maxVersionParams {
		chunk := keys[start:min(start+maxVersionParams, len(keys))]
		args := []any{sql.Named("schema", s.mapping.Schema), sql.Named("table", s.mapping.Table)}
		for i, k := range chunk {
			args = append(args, sql.Named(fmt.Sprintf("k%d", i), k))
		}

		if err := s.queryHashes(ctx, tx, buildVersionQuery(s.tables, len(chunk)), args, hashes); err != nil {
			return err
		}
	}

	for i := range rows {
		rows[i].TrackingHash = hashes[rows[i].Key.String()]
	}
	return nil
}

func (s *Store) queryHashes(ctx context.Context, tx *sql.Tx, query string, args []any, hashes map[string]string) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load version tracking: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return err
		}
		hashes[key] = hash
	}
	return rows.Err()
}

// CompleteBatch records the version trackers and marks the batch complete in one transaction.
// Completing an already completed batch only re-applies the trackers.
func (s *Store) CompleteBatch(ctx context.Context, batchID int64, trackers []api.VersionTracker) (*api.BatchTracker, error) {
	b, err := s.complete(ctx, batchID, trackers)
	if err != nil {
		return nil, api.NewDatabaseError("complete", err)
	}
	return b, nil
}

func (s *Store) complete(ctx context.Context, batchID int64, trackers []api.VersionTracker) (*api.BatchTracker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var isComplete bool
	lock := fmt.Sprintf(`SELECT IsComplete FROM %s WITH (UPDLOCK) WHERE BatchTrackingId = @id AND EntityName = @entity`, s.tables.batch())
	err = tx.QueryRowContext(ctx, lock, sql.Named("id", batchID), sql.Named("entity", s.mapping.Name)).Scan(&isComplete)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch %d not found for entity %s", batchID, s.mapping.Name)
	}
	if err != nil {
		return nil, err
	}
	if isComplete {
		log().Warn("Batch already completed", "entity", s.mapping.Name, "batchId", batchID)
	}

	merge := buildVersionMerge(s.tables)
	for _, t := range trackers {
		_, err := tx.ExecContext(ctx, merge,
			sql.Named("schema", s.mapping.Schema),
			sql.Named("table", s.mapping.Table),
			sql.Named("key", t.Key),
			sql.Named("hash", t.Hash),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to save version of key %s: %w", t.Key, err)
		}
	}

	update := fmt.Sprintf(`UPDATE %s SET IsComplete = 1, CompletedDate = SYSUTCDATETIME() WHERE BatchTrackingId = @id AND IsComplete = 0`, s.tables.batch())
	if _, err := tx.ExecContext(ctx, update, sql.Named("id", batchID)); err != nil {
		return nil, fmt.Errorf("failed to complete batch %d: %w", batchID, err)
	}

	b, err := s.loadBatch(ctx, tx, batchID)
	if err != nil {
		return nil, err
	}
	return b, tx.Commit()
}

func (s *Store) loadBatch(ctx context.Context, tx *sql.Tx, batchID int64) (*api.BatchTracker, error) {
	query := fmt.Sprintf(`
		SELECT BatchTrackingId, EntityName, CorrelationId, CreatedDate, IsComplete, CompletedDate, HasDataLoss
		FROM %s WHERE BatchTrackingId = @id`, s.tables.batch())

	var (
		b          api.BatchTracker
		complete   bool
		completeAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, query, sql.Named("id", batchID)).
		Scan(&b.ID, &b.EntityName, &b.CorrelationID, &b.CreatedAt, &complete, &completeAt, &b.HasDataLoss)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %d: %w", batchID, err)
	}

	b.State = api.BatchOpen
	if complete {
		b.State = api.BatchCompleted
	}
	if completeAt.Valid {
		t := completeAt.Time.UTC()
		b.CompletedAt = &t
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}

var _ api.BatchStore = (*Store)(nil)

func since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
