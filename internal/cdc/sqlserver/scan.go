package sqlserver

import (
	"bytes"
	"database/sql"
	"fmt"
	"sort"

	mssql "github.com/denisenkom/go-mssqldb"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// getOperationType maps a CDC __$operation value onto an operation type
func getOperationType(op int) (api.OperationType, bool) {
	switch op {
	case 2:
		return api.Create, true
	case 3, 4:
		return api.Update, true
	case 1:
		return api.Delete, true
	default:
		return "", false
	}
}

// rowScanner scans change rows in the column order produced by the change queries
type rowScanner struct {
	keyColumns  []string
	columns     []string
	forceUpdate bool
	typeNames   []string
}

func newRowScanner(rows *sql.Rows, keyColumns, columns []string, forceUpdate bool) (*rowScanner, error) {
	s := &rowScanner{keyColumns: keyColumns, columns: columns, forceUpdate: forceUpdate}

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}
	if want := 3 + 2*len(keyColumns) + len(columns); len(types) != want {
		return nil, fmt.Errorf("change query returned %d columns, expected %d", len(types), want)
	}
	s.typeNames = make([]string, len(types))
	for i, t := range types {
		s.typeNames[i] = t.DatabaseTypeName()
	}
	return s, nil
}

func (s *rowScanner) scan(rows *sql.Rows) (api.ChangeRow, bool, error) {
	var (
		lsn       []byte
		seq       []byte
		operation int
	)

	values := make([]any, 2*len(s.keyColumns)+len(s.columns))
	targets := make([]any, 3+len(values))
	targets[0] = &lsn
	targets[1] = &seq
	targets[2] = &operation
	for i := range values {
		targets[i+3] = &values[i]
	}

	if err := rows.Scan(targets...); err != nil {
		return api.ChangeRow{}, false, fmt.Errorf("failed to scan row: %w", err)
	}

	op, ok := getOperationType(operation)
	if !ok {
		return api.ChangeRow{}, false, nil
	}
	if s.forceUpdate {
		op = api.Update
	}

	for i := range values {
		values[i] = normalizeValue(s.typeNames[i+3], values[i])
	}

	nk := len(s.keyColumns)
	row := api.ChangeRow{
		Key:       api.CompositeKey(values[:nk]),
		TableKey:  api.CompositeKey(values[nk : 2*nk]),
		Operation: op,
		LSN:       lsn,
		Seq:       seq,
		Data:      make(map[string]any, len(s.columns)),
	}
	for i, c := range s.columns {
		row.Data[c] = values[2*nk+i]
	}
	// A deleted row has no current state; keep its key in the payload.
	for i, k := range s.keyColumns {
		if row.Data[k] == nil {
			row.Data[k] = row.Key[i]
		}
	}
	return row, true, nil
}

// normalizeValue converts driver values that have no natural Go representation
func normalizeValue(typeName string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch typeName {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return string(b)
	case "UNIQUEIDENTIFIER":
		var u mssql.UniqueIdentifier
		if err := u.Scan(b); err != nil {
			return b
		}
		return u.String()
	default:
		return b
	}
}

// sortChanges orders rows from several change tables by lsn then seq
func sortChanges(rows []api.ChangeRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if c := bytes.Compare(rows[i].LSN, rows[j].LSN); c != 0 {
			return c < 0
		}
		return bytes.Compare(rows[i].Seq, rows[j].Seq) < 0
	})
}

// resolveStart decides where the next window of a capture instance starts. next is the LSN after
// the last completed window (nil when the instance has never been processed) and minAvailable is
// the lowest LSN still held by the change table.
func resolveStart(next, minAvailable []byte, continueWithDataLoss bool) ([]byte, bool, error) {
	if next == nil {
		return minAvailable, false, nil
	}
	if bytes.Compare(next, minAvailable) >= 0 {
		return next, false, nil
	}
	if !continueWithDataLoss {
		return nil, false, api.ErrDataLoss
	}
	return minAvailable, true, nil
}
