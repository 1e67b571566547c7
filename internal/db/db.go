package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/mattn/go-sqlite3"

	"github.com/katasec/dstream-orchestrator/internal/logging"
)

const (
	// DriverSQLServer is the go-mssqldb driver name
	DriverSQLServer = "sqlserver"
	// DriverSQLite is the go-sqlite3 driver name
	DriverSQLite = "sqlite3"
)

// Connect establishes a connection to the database and pings it
func Connect(ctx context.Context, driver, connectionString string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverSQLServer
	}
	switch driver {
	case DriverSQLServer, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// one writer; concurrent connections would see SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.GetLogger().Info("Successfully connected to database", "driver", driver)
	return db, nil
}
