package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-orchestrator/internal/logging"
)

func log() hclog.Logger { return logging.GetLogger() }

// DefaultTrackingSchema holds the batch and version tracking tables
const DefaultTrackingSchema = "NTangle"

// quoteName brackets a SQL Server identifier
func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// trackingTables names the tracking tables within a schema
type trackingTables struct {
	schema string
}

func (t trackingTables) batch() string   { return quoteName(t.schema) + ".[BatchTracking]" }
func (t trackingTables) lsn() string     { return quoteName(t.schema) + ".[BatchTrackingLsn]" }
func (t trackingTables) version() string { return quoteName(t.schema) + ".[VersionTracking]" }

// createStatements returns the idempotent DDL for the tracking schema and tables
func (t trackingTables) createStatements() []string {
	schemaLit := strings.ReplaceAll(t.schema, "'", "''")
	return []string{
		fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.schemas WHERE name = '%s')
	BEGIN
		EXEC('CREATE SCHEMA %s');
	END`, schemaLit, strings.ReplaceAll(quoteName(t.schema), "'", "''")),
		fmt.Sprintf(`
	IF OBJECT_ID(N'%s', N'U') IS NULL
	BEGIN
		CREATE TABLE %s (
			BatchTrackingId BIGINT IDENTITY(1,1) PRIMARY KEY,
			EntityName NVARCHAR(128) NOT NULL,
			CorrelationId NVARCHAR(64) NOT NULL,
			CreatedDate DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
			IsComplete BIT NOT NULL DEFAULT 0,
			CompletedDate DATETIME2 NULL,
			HasDataLoss BIT NOT NULL DEFAULT 0
		);
		CREATE INDEX IX_BatchTracking_Entity ON %s (EntityName, IsComplete, BatchTrackingId);
	END`, schemaLit+".BatchTracking", t.batch(), t.batch()),
		fmt.Sprintf(`
	IF OBJECT_ID(N'%s', N'U') IS NULL
	BEGIN
		CREATE TABLE %s (
			BatchTrackingId BIGINT NOT NULL,
			CaptureInstance NVARCHAR(128) NOT NULL,
			MinLsn BINARY(10) NOT NULL,
			MaxLsn BINARY(10) NOT NULL,
			PRIMARY KEY (BatchTrackingId, CaptureInstance)
		);
	END`, schemaLit+".BatchTrackingLsn", t.lsn()),
		fmt.Sprintf(`
	IF OBJECT_ID(N'%s', N'U') IS NULL
	BEGIN
		CREATE TABLE %s (
			[Schema] NVARCHAR(128) NOT NULL,
			[Table] NVARCHAR(128) NOT NULL,
			[Key] NVARCHAR(450) NOT NULL,
			[Hash] NVARCHAR(64) NOT NULL,
			VersionDate DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
			PRIMARY KEY ([Schema], [Table], [Key])
		);
	END`, schemaLit+".VersionTracking", t.version()),
	}
}

// InitializeTrackingTables creates the tracking schema and tables if they do not exist
func InitializeTrackingTables(ctx context.Context, db *sql.DB, schema string) error {
	if schema == "" {
		schema = DefaultTrackingSchema
	}
	t := trackingTables{schema: schema}

	for _, stmt := range t.createStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create tracking tables in schema %s: %w", schema, err)
		}
	}

	log().Info("Initialized tracking tables", "schema", schema)
	return nil
}

// IsCDCEnabled reports whether change data capture is enabled for the table
func IsCDCEnabled(ctx context.Context, db *sql.DB, schema, table string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM cdc.change_tables
		WHERE source_object_id = OBJECT_ID(@p1);
	`
	var count int
	if err := db.QueryRowContext(ctx, query, quoteName(schema)+"."+quoteName(table)).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check CDC status for %s.%s: %w", schema, table, err)
	}
	return count > 0, nil
}
