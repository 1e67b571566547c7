package db

import (
	"context"
	"database/sql"
)

// GetColumnNames returns the columns of a SQL Server table in ordinal order
func GetColumnNames(ctx context.Context, db *sql.DB, schema, tableName string) ([]string, error) {
	query := `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName ORDER BY ORDINAL_POSITION`
	return queryNames(ctx, db, query, sql.Named("schema", schema), sql.Named("tableName", tableName))
}

// GetPrimaryKeyColumns returns the primary key columns of a SQL Server table in key order
func GetPrimaryKeyColumns(ctx context.Context, db *sql.DB, schema, tableName string) ([]string, error) {
	query := `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = @schema AND tc.TABLE_NAME = @tableName
		ORDER BY kcu.ORDINAL_POSITION`
	return queryNames(ctx, db, query, sql.Named("schema", schema), sql.Named("tableName", tableName))
}

func queryNames(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		columns = append(columns, columnName)
	}
	return columns, rows.Err()
}
