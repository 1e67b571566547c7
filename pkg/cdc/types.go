package cdc

import (
	"fmt"
	"strings"
	"time"
)

// OperationType represents the type of change captured for a row
type OperationType string

const (
	// Create represents a new row being added
	Create OperationType = "Create"
	// Update represents a row being modified
	Update OperationType = "Update"
	// Delete represents a row being removed
	Delete OperationType = "Delete"
)

// PresentTense returns the present tense verb used for event actions
func (o OperationType) PresentTense() string {
	switch strings.ToLower(string(o)) {
	case "create", "created":
		return string(Create)
	case "update", "updated":
		return string(Update)
	case "delete", "deleted":
		return string(Delete)
	default:
		return string(o)
	}
}

// PastTense returns the past tense verb used for event actions
func (o OperationType) PastTense() string {
	switch o {
	case Create:
		return "Created"
	case Update:
		return "Updated"
	case Delete:
		return "Deleted"
	default:
		return string(o)
	}
}

// CompositeKey is an ordered tuple of typed primary key values
type CompositeKey []any

// NewCompositeKey creates a CompositeKey from the given values
func NewCompositeKey(values ...any) CompositeKey {
	return CompositeKey(values)
}

// IsInitial reports whether every value of the key is nil or its type's zero value.
func (k CompositeKey) IsInitial() bool {
	for _, v := range k {
		if !isZeroValue(v) {
			return false
		}
	}
	return true
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`)

// String formats the key as comma separated values with commas and backslashes inside a value
// escaped, so distinct keys never format alike. This is the key stored in the version ledger.
func (k CompositeKey) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = keyEscaper.Replace(formatKeyValue(v))
	}
	return strings.Join(parts, ",")
}

func formatKeyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return fmt.Sprintf("%x", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func isZeroValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case int:
		return t == 0
	case int8:
		return t == 0
	case int16:
		return t == 0
	case int32:
		return t == 0
	case int64:
		return t == 0
	case uint:
		return t == 0
	case uint8:
		return t == 0
	case uint16:
		return t == 0
	case uint32:
		return t == 0
	case uint64:
		return t == 0
	case float32:
		return t == 0
	case float64:
		return t == 0
	case bool:
		return !t
	case []byte:
		return len(t) == 0
	case time.Time:
		return t.IsZero()
	default:
		return false
	}
}

// ChangeRow is one raw captured row change returned by a batch claim.
//
// Key is read from the change log; TableKey and Data are read from the current table state
// at claim time, so TableKey is initial when the row has since been physically deleted.
type ChangeRow struct {
	Key          CompositeKey
	TableKey     CompositeKey
	Operation    OperationType
	LSN          []byte
	Seq          []byte
	TrackingHash string
	Data         map[string]any
}

// BatchState is the completion state of a BatchTracker
type BatchState string

const (
	BatchOpen      BatchState = "Open"
	BatchCompleted BatchState = "Completed"
)

// BatchTracker represents one claimed window of change rows
type BatchTracker struct {
	ID            int64      `json:"id"`
	EntityName    string     `json:"entityName"`
	CorrelationID string     `json:"correlationId"`
	CreatedAt     time.Time  `json:"createdAt"`
	State         BatchState `json:"state"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	HasDataLoss   bool       `json:"hasDataLoss"`
}

// IsComplete reports whether the batch has been completed
func (b *BatchTracker) IsComplete() bool {
	return b != nil && b.State == BatchCompleted
}

// VersionTracker is the persisted last-published fingerprint for an entity key
type VersionTracker struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// Entity is the consolidated state of one entity key within a batch.
type Entity struct {
	Key          CompositeKey
	TableKey     CompositeKey
	Operation    OperationType
	TrackingHash string
	LSN          []byte
	ETag         string
	Data         map[string]any
}

// EntityFromRow creates the Entity represented by a change row.
func EntityFromRow(row ChangeRow) *Entity {
	data := make(map[string]any, len(row.Data))
	for k, v := range row.Data {
		data[k] = v
	}
	return &Entity{
		Key:          row.Key,
		TableKey:     row.TableKey,
		Operation:    row.Operation,
		TrackingHash: row.TrackingHash,
		LSN:          row.LSN,
		Data:         data,
	}
}

// PrimaryKey returns the entity key
func (e *Entity) PrimaryKey() CompositeKey {
	return e.Key
}

// IsLogicallyDeleted reports whether the soft-delete column is set to true.
func (e *Entity) IsLogicallyDeleted(column string) bool {
	if column == "" {
		return false
	}
	switch v := e.Data[column].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case string:
		return strings.EqualFold(v, "true") || v == "1"
	default:
		return false
	}
}

// ClearWhereDeleted sets every field other than the given key columns to nil, so a logically
// deleted entity carries the same payload shape as a physically deleted one.
func (e *Entity) ClearWhereDeleted(keyColumns ...string) {
	keep := make(map[string]struct{}, len(keyColumns))
	for _, c := range keyColumns {
		keep[c] = struct{}{}
	}
	for k := range e.Data {
		if _, ok := keep[k]; !ok {
			e.Data[k] = nil
		}
	}
}

// EventEnvelope is a single event produced for a published entity version
type EventEnvelope struct {
	ID            string
	Subject       string
	Action        string
	Type          string
	Source        string
	CorrelationID string
	PrimaryKey    CompositeKey
	ETag          string
	Data          map[string]any
}
