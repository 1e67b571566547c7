package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-orchestrator/internal/logging"
	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

func log() hclog.Logger { return logging.GetLogger() }

type changeSource struct {
	query       string
	forceUpdate bool
}

type lsnWindow struct {
	captureInstance string
	min             int64
	max             int64
}

// Store is a SQLite BatchStore of one entity. Changes are captured by triggers installed with
// InstallCapture; the claim and completion protocol matches the SQL Server store.
type Store struct {
	db      *sql.DB
	mapping api.EntityMapping
	columns []string
	sources map[string]changeSource
	order   []string
}

// NewStore creates the Store for an entity and its tracking tables. When the mapping does not list
// its key columns or columns they are read with PRAGMA table_info.
func NewStore(ctx context.Context, db *sql.DB, mapping api.EntityMapping) (*Store, error) {
	if err := mapping.ValidateForDiscovery(); err != nil {
		return nil, err
	}
	if err := InitializeTrackingTables(ctx, db); err != nil {
		return nil, err
	}

	tableCols, keys, err := tableColumns(ctx, db, mapping.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch column names for %s: %w", mapping.Table, err)
	}
	if len(tableCols) == 0 {
		return nil, fmt.Errorf("table %s has no columns or does not exist", mapping.Table)
	}
	mapping, err = mapping.ResolveKeyColumns(func() ([]string, error) { return keys, nil })
	if err != nil {
		return nil, err
	}

	columns := mapping.Columns
	if len(columns) == 0 {
		columns = tableCols
	}

	s := &Store{
		db:      db,
		mapping: mapping,
		columns: columns,
		sources: make(map[string]changeSource),
	}

	root := mapping.GetCaptureInstance()
	s.sources[root] = changeSource{query: s.rootQuery(root)}
	s.order = append(s.order, root)
	for _, c := range mapping.Children {
		ci := c.GetCaptureInstance()
		s.sources[ci] = changeSource{query: s.childQuery(c), forceUpdate: true}
		s.order = append(s.order, ci)
	}
	return s, nil
}

// Mapping returns the entity mapping with its discovered key columns
func (s *Store) Mapping() api.EntityMapping {
	return s.mapping
}

// InstallCapture installs change capture for the entity's root table and child tables
func (s *Store) InstallCapture(ctx context.Context) error {
	if err := InstallCapture(ctx, s.db, s.mapping.GetCaptureInstance(), s.mapping.Table, s.mapping.KeyColumns); err != nil {
		return err
	}
	for _, c := range s.mapping.Children {
		cols := make([]string, len(c.JoinColumns))
		for i, j := range c.JoinColumns {
			cols[i] = j.Child
		}
		if err := InstallCapture(ctx, s.db, c.GetCaptureInstance(), c.Table, cols); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rootQuery(ci string) string {
	on := make([]string, len(s.mapping.KeyColumns))
	for i, k := range s.mapping.KeyColumns {
		on[i] = fmt.Sprintf("t.%s = ct.%s", quoteIdent(k), quoteIdent(k))
	}
	return fmt.Sprintf(`
		SELECT ct.__lsn, ct.__seqval, ct.__operation, %s, %s, %s
		FROM %s AS ct
		LEFT OUTER JOIN %s AS t ON %s
		WHERE ct.__lsn BETWEEN ? AND ?
		AND ct.__operation IN (1, 2, 4)
		ORDER BY ct.__lsn, ct.__seqval`,
		quoteList("ct.", s.mapping.KeyColumns),
		quoteList("t.", s.mapping.KeyColumns),
		quoteList("t.", s.columns),
		changeTable(ci),
		quoteIdent(s.mapping.Table),
		strings.Join(on, " AND "))
}

func (s *Store) childQuery(c api.ChildMapping) string {
	on := make([]string, len(c.JoinColumns))
	for i, j := range c.JoinColumns {
		on[i] = fmt.Sprintf("r.%s = ct.%s", quoteIdent(j.Root), quoteIdent(j.Child))
	}
	return fmt.Sprintf(`
		SELECT ct.__lsn, ct.__seqval, ct.__operation, %s, %s, %s
		FROM %s AS ct
		INNER JOIN %s AS r ON %s
		WHERE ct.__lsn BETWEEN ? AND ?
		AND ct.__operation IN (1, 2, 4)
		ORDER BY ct.__lsn, ct.__seqval`,
		quoteList("r.", s.mapping.KeyColumns),
		quoteList("r.", s.mapping.KeyColumns),
		quoteList("r.", s.columns),
		changeTable(c.GetCaptureInstance()),
		quoteIdent(s.mapping.Table),
		strings.Join(on, " AND "))
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
		log().Info("Resuming incomplete batch", "entity", s.mapping.Name, "batchId", batch.ID)
	} else {
		batch, windows, err = s.newBatch(ctx, tx, req)
		if err != nil {
			return nil, nil, err
		}
		if batch == nil {
			return nil, nil, tx.Commit()
		}
	}

	var rows []api.ChangeRow
	for _, w := range windows {
		src, ok := s.sources[w.captureInstance]
		if !ok {
			return nil, nil, fmt.Errorf("batch references unknown capture instance %s", w.captureInstance)
		}
		changes, err := s.readWindow(ctx, tx, src, w)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, changes...)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return binary.BigEndian.Uint64(rows[i].LSN) < binary.BigEndian.Uint64(rows[j].LSN)
	})

	if err := s.attachHashes(ctx, tx, rows); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return batch, rows, nil
}

func (s *Store) openBatch(ctx context.Context, tx *sql.Tx) (*api.BatchTracker, []lsnWindow, error) {
	b := &api.BatchTracker{EntityName: s.mapping.Name, State: api.BatchOpen}
	err := tx.QueryRowContext(ctx, `
		SELECT batch_tracking_id, correlation_id, created_date, has_data_loss
		FROM batch_tracking
		WHERE entity_name = ? AND is_complete = 0
		ORDER BY batch_tracking_id LIMIT 1`, s.mapping.Name).Scan(&b.ID, &b.CorrelationID, &b.CreatedAt, &b.HasDataLoss)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load incomplete batch: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT capture_instance, min_lsn, max_lsn FROM batch_tracking_lsn WHERE batch_tracking_id = ?`, b.ID)
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
	var (
		windows  []lsnWindow
		dataLoss bool
	)
	for _, ci := range s.order {
		w, lost, err := s.nextWindow(ctx, tx, ci, req)
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
		CreatedAt:     time.Now().UTC(),
		State:         api.BatchOpen,
		HasDataLoss:   dataLoss,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO batch_tracking (entity_name, correlation_id, created_date, has_data_loss)
		VALUES (?, ?, ?, ?)`, b.EntityName, b.CorrelationID, b.CreatedAt, b.HasDataLoss)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create batch: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return nil, nil, err
	}

	for _, w := range windows {
		_, err := tx.ExecContext(ctx, `INSERT INTO batch_tracking_lsn (batch_tracking_id, capture_instance, min_lsn, max_lsn) VALUES (?, ?, ?, ?)`,
			b.ID, w.captureInstance, w.min, w.max)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to record window of batch %d: %w", b.ID, err)
		}
	}
	return b, windows, nil
}

func (s *Store) nextWindow(ctx context.Context, tx *sql.Tx, ci string, req api.ClaimRequest) (*lsnWindow, bool, error) {
	var lastMax sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT l.max_lsn
		FROM batch_tracking_lsn AS l
		JOIN batch_tracking AS b ON b.batch_tracking_id = l.batch_tracking_id
		WHERE b.entity_name = ? AND l.capture_instance = ?
		ORDER BY l.batch_tracking_id DESC LIMIT 1`, s.mapping.Name, ci).Scan(&lastMax)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to read last window of %s: %w", ci, err)
	}

	var minAvailable int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE((SELECT min_lsn FROM _cdc_retention WHERE capture_instance = ?), 1)`, ci).Scan(&minAvailable)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read min lsn of %s: %w", ci, err)
	}

	start, lost := minAvailable, false
	if lastMax.Valid {
		start = lastMax.Int64 + 1
		if start < minAvailable {
			if !req.ContinueWithDataLoss {
				return nil, false, fmt.Errorf("%w: capture instance %s expired changes after lsn %d", api.ErrDataLoss, ci, lastMax.Int64)
			}
			log().Warn("Continuing with change data loss", "entity", s.mapping.Name, "captureInstance", ci,
				"lastLsn", lastMax.Int64, "minAvailableLsn", minAvailable)
			start, lost = minAvailable, true
		}
	}

	var end sql.NullInt64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(x.__lsn) FROM (
			SELECT __lsn FROM %s
			WHERE __lsn >= ? AND __operation IN (1, 2, 4)
			ORDER BY __lsn, __seqval
			LIMIT ?
		) AS x`, changeTable(ci)), start, req.MaxQuerySize).Scan(&end)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read window end of %s: %w", ci, err)
	}
	if !end.Valid {
		return nil, lost, nil
	}
	return &lsnWindow{captureInstance: ci, min: start, max: end.Int64}, lost, nil
}

func (s *Store) readWindow(ctx context.Context, tx *sql.Tx, src changeSource, w lsnWindow) ([]api.ChangeRow, error) {
	rows, err := tx.QueryContext(ctx, src.query, w.min, w.max)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log of %s: %w", w.captureInstance, err)
	}
	defer rows.Close()

	nk := len(s.mapping.KeyColumns)
	var changes []api.ChangeRow
	for rows.Next() {
		var lsn, seq int64
		var operation int
		values := make([]any, 2*nk+len(s.columns))
		targets := append([]any{&lsn, &seq, &operation}, pointers(values)...)
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		op, ok := operationType(operation)
		if !ok {
			continue
		}
		if src.forceUpdate {
			op = api.Update
		}

		row := api.ChangeRow{
			Key:       api.CompositeKey(values[:nk]),
			TableKey:  api.CompositeKey(values[nk : 2*nk]),
			Operation: op,
			LSN:       encodeLSN(lsn),
			Seq:       encodeLSN(seq),
			Data:      make(map[string]any, len(s.columns)),
		}
		for i, c := range s.columns {
			row.Data[c] = values[2*nk+i]
		}
		for i, k := range s.mapping.KeyColumns {
			if row.Data[k] == nil {
				row.Data[k] = row.Key[i]
			}
		}
		changes = append(changes, row)
	}
	return changes, rows.Err()
}

func (s *Store) attachHashes(ctx context.Context, tx *sql.Tx, rows []api.ChangeRow) error {
	stmt, err := tx.PrepareContext(ctx, `SELECT hash FROM version_tracking WHERE schema_name = ? AND table_name = ? AND key = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	hashes := make(map[string]string)
	for i := range rows {
		k := rows[i].Key.String()
		hash, ok := hashes[k]
		if !ok {
			err := stmt.QueryRowContext(ctx, s.mapping.Schema, s.mapping.Table, k).Scan(&hash)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("failed to load version tracking: %w", err)
			}
			hashes[k] = hash
		}
		rows[i].TrackingHash = hash
	}
	return nil
}

// CompleteBatch records the version trackers and marks the batch complete in one transaction
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

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_tracking WHERE batch_tracking_id = ? AND entity_name = ?`, batchID, s.mapping.Name).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("batch %d not found for entity %s", batchID, s.mapping.Name)
	}

	now := time.Now().UTC()
	for _, t := range trackers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO version_tracking (schema_name, table_name, key, hash, version_date) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(schema_name, table_name, key) DO UPDATE SET hash = excluded.hash, version_date = excluded.version_date`,
			s.mapping.Schema, s.mapping.Table, t.Key, t.Hash, now)
		if err != nil {
			return nil, fmt.Errorf("failed to save version of key %s: %w", t.Key, err)
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE batch_tracking SET is_complete = 1, completed_date = ? WHERE batch_tracking_id = ? AND is_complete = 0`, now, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to complete batch %d: %w", batchID, err)
	}

	var (
		b         api.BatchTracker
		complete  bool
		completed sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT batch_tracking_id, entity_name, correlation_id, created_date, is_complete, completed_date, has_data_loss
		FROM batch_tracking WHERE batch_tracking_id = ?`, batchID).
		Scan(&b.ID, &b.EntityName, &b.CorrelationID, &b.CreatedAt, &complete, &completed, &b.HasDataLoss)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %d: %w", batchID, err)
	}
	b.State = api.BatchOpen
	if complete {
		b.State = api.BatchCompleted
	}
	if completed.Valid {
		b.CompletedAt = &completed.Time
	}
	return &b, tx.Commit()
}

func operationType(op int) (api.OperationType, bool) {
	switch op {
	case 1:
		return api.Delete, true
	case 2:
		return api.Create, true
	case 3, 4:
		return api.Update, true
	default:
		return "", false
	}
}

func pointers(values []any) []any {
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	return ptrs
}

func encodeLSN(lsn int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(lsn))
	return b
}

var _ api.BatchStore = (*Store)(nil)
