package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// trackingSchemas creates the change log sequence, retention watermarks and the batch and
// version tracking tables.
func trackingSchemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS _cdc_sequence (
			lsn INTEGER PRIMARY KEY AUTOINCREMENT
		)`,
		`CREATE TABLE IF NOT EXISTS _cdc_retention (
			capture_instance TEXT PRIMARY KEY,
			min_lsn INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batch_tracking (
			batch_tracking_id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_name TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			created_date TIMESTAMP NOT NULL,
			is_complete INTEGER NOT NULL DEFAULT 0,
			completed_date TIMESTAMP NULL,
			has_data_loss INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ix_batch_tracking_entity ON batch_tracking (entity_name, is_complete, batch_tracking_id)`,
		`CREATE TABLE IF NOT EXISTS batch_tracking_lsn (
			batch_tracking_id INTEGER NOT NULL,
			capture_instance TEXT NOT NULL,
			min_lsn INTEGER NOT NULL,
			max_lsn INTEGER NOT NULL,
			PRIMARY KEY (batch_tracking_id, capture_instance)
		)`,
		`CREATE TABLE IF NOT EXISTS version_tracking (
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			key TEXT NOT NULL,
			hash TEXT NOT NULL,
			version_date TIMESTAMP NOT NULL,
			PRIMARY KEY (schema_name, table_name, key)
		)`,
	}
}

// InitializeTrackingTables creates the tracking tables if they do not exist
func InitializeTrackingTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range trackingSchemas() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tracking tables: %w", err)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(alias string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = alias + quoteIdent(c)
	}
	return strings.Join(parts, ", ")
}

// changeTable is the change log of a capture instance
func changeTable(captureInstance string) string {
	return quoteIdent("cdc_" + captureInstance + "_CT")
}

// captureStatements creates the change log of a capture instance and the triggers that fill it.
// Each change takes the next value of the shared sequence so changes across capture instances
// stay ordered.
func captureStatements(captureInstance, table string, columns []string) []string {
	ct := changeTable(captureInstance)
	cols := quoteList("", columns)

	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c)
	}

	trigger := func(event, image string, op int) string {
		return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER %s ON %s
		BEGIN
			INSERT INTO _cdc_sequence (lsn) VALUES (NULL);
			INSERT INTO %s (__lsn, __seqval, __operation, %s) VALUES (last_insert_rowid(), last_insert_rowid(), %d, %s);
		END`,
			quoteIdent(fmt.Sprintf("cdc_%s_%s", captureInstance, strings.ToLower(event))),
			event, quoteIdent(table), ct, cols, op, quoteList(image+".", columns))
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			__lsn INTEGER NOT NULL,
			__seqval INTEGER NOT NULL,
			__operation INTEGER NOT NULL,
			%s
		)`, ct, strings.Join(defs, ",\n\t\t\t")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (__lsn)`, quoteIdent("ix_cdc_"+captureInstance+"_lsn"), ct),
		trigger("INSERT", "NEW", 2),
		trigger("UPDATE", "NEW", 4),
		trigger("DELETE", "OLD", 1),
	}
}

// InstallCapture enables change capture of the given columns of a table
func InstallCapture(ctx context.Context, db *sql.DB, captureInstance, table string, columns []string) error {
	if len(columns) == 0 {
		return fmt.Errorf("capture instance %s needs at least one column", captureInstance)
	}
	for _, stmt := range captureStatements(captureInstance, table, columns) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install capture %s on %s: %w", captureInstance, table, err)
		}
	}
	return nil
}

// Truncate removes the changes of a capture instance up to and including throughLSN, the way a
// retention cleanup job does. Batches that had not yet processed them will detect data loss.
func Truncate(ctx context.Context, db *sql.DB, captureInstance string, throughLSN int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE __lsn <= ?`, changeTable(captureInstance)), throughLSN); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", captureInstance, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _cdc_retention (capture_instance, min_lsn) VALUES (?, ?)
		ON CONFLICT(capture_instance) DO UPDATE SET min_lsn = MAX(min_lsn, excluded.min_lsn)`,
		captureInstance, throughLSN+1)
	if err != nil {
		return fmt.Errorf("failed to record retention of %s: %w", captureInstance, err)
	}
	return tx.Commit()
}

// MaxLSN returns the highest LSN handed out so far
func MaxLSN(ctx context.Context, db *sql.DB) (int64, error) {
	var lsn sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(lsn) FROM _cdc_sequence`).Scan(&lsn); err != nil {
		return 0, err
	}
	return lsn.Int64, nil
}

// tableColumns returns the columns of a table in ordinal order and its primary key columns in key
// order
func tableColumns(ctx context.Context, db *sql.DB, table string) (columns, keys []string, err error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	keyAt := make(map[int]string)
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, nil, err
		}
		columns = append(columns, name)
		if pk > 0 {
			keyAt[pk] = name
		}
	}
	for i := 1; i <= len(keyAt); i++ {
		keys = append(keys, keyAt[i])
	}
	return columns, keys, rows.Err()
}
