package cdc

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// SubjectFormat controls how the event subject is derived from the entity
type SubjectFormat int

const (
	SubjectNameAndKey SubjectFormat = iota
	SubjectNameOnly
	SubjectNameAndTableKey
)

// ActionFormat controls how the event action is derived from the operation
type ActionFormat int

const (
	// ActionNone uses the operation name as is (Create, Update, Delete)
	ActionNone ActionFormat = iota
	// ActionPastTense uses the past tense verb (Created, Updated, Deleted)
	ActionPastTense
	// ActionPresentTense uses the present tense verb (Create, Update, Delete)
	ActionPresentTense
)

// SourceFormat controls how the event source is derived from the entity
type SourceFormat int

const (
	SourceNameAndKey SourceFormat = iota
	SourceNameOnly
	SourceNameAndTableKey
)

// DeletePayload controls what a Delete event carries as data
type DeletePayload int

const (
	DeletePayloadFull DeletePayload = iota
	DeletePayloadKeyOnly
)

// eventNamespace seeds the deterministic event identifiers.
var eventNamespace = uuid.MustParse("6f1d2c3e-5a4b-4c8d-9e7f-0a1b2c3d4e5f")

// EventOptions holds the event formatting configuration of an entity
type EventOptions struct {
	Subject       string
	SubjectFormat SubjectFormat
	ActionFormat  ActionFormat
	Source        string
	SourceFormat  SourceFormat
	DeletePayload DeletePayload
	KeyColumns    []string
}

// EventFormatter materializes events from consolidated entities
type EventFormatter struct {
	opts EventOptions
}

// NewEventFormatter creates an EventFormatter
func NewEventFormatter(opts EventOptions) EventFormatter {
	return EventFormatter{opts: opts}
}

// MakeEvent creates the event for an entity. The same inputs always produce the same envelope,
// including its ID, so a retried publish carries identical events.
func (f EventFormatter) MakeEvent(e *api.Entity, op api.OperationType, correlationID string) api.EventEnvelope {
	action := f.action(op)
	key := e.Key.String()

	ev := api.EventEnvelope{
		Subject:       f.subject(e),
		Action:        action,
		Type:          f.opts.Subject + "." + action,
		Source:        f.source(e),
		CorrelationID: correlationID,
		PrimaryKey:    e.Key,
		ETag:          e.ETag,
		Data:          f.payload(e, op),
	}
	ev.ID = uuid.NewSHA1(eventNamespace, []byte(strings.Join([]string{ev.Type, key, e.ETag, correlationID}, "|"))).String()
	return ev
}

// MakeEvents creates one event per entity using the entity's own operation.
func (f EventFormatter) MakeEvents(entities []*api.Entity, correlationID string) []api.EventEnvelope {
	events := make([]api.EventEnvelope, 0, len(entities))
	for _, e := range entities {
		events = append(events, f.MakeEvent(e, e.Operation, correlationID))
	}
	return events
}

func (f EventFormatter) action(op api.OperationType) string {
	switch f.opts.ActionFormat {
	case ActionPastTense:
		return op.PastTense()
	case ActionPresentTense:
		return op.PresentTense()
	default:
		return string(op)
	}
}

func (f EventFormatter) subject(e *api.Entity) string {
	switch f.opts.SubjectFormat {
	case SubjectNameOnly:
		return f.opts.Subject
	case SubjectNameAndTableKey:
		return f.opts.Subject + "." + tableKey(e).String()
	default:
		return f.opts.Subject + "." + e.Key.String()
	}
}

func (f EventFormatter) source(e *api.Entity) string {
	if f.opts.Source == "" {
		return ""
	}
	base := strings.TrimRight(f.opts.Source, "/")
	switch f.opts.SourceFormat {
	case SourceNameOnly:
		return f.opts.Source
	case SourceNameAndTableKey:
		return base + "/" + tableKey(e).String()
	default:
		return base + "/" + e.Key.String()
	}
}

func (f EventFormatter) payload(e *api.Entity, op api.OperationType) map[string]any {
	data := make(map[string]any, len(e.Data))
	if op == api.Delete && f.opts.DeletePayload == DeletePayloadKeyOnly {
		for _, c := range f.opts.KeyColumns {
			if v, ok := e.Data[c]; ok {
				data[c] = v
			}
		}
		return data
	}
	for k, v := range e.Data {
		data[k] = v
	}
	return data
}

// tableKey falls back to the change key when the table key is unavailable (deleted rows).
func tableKey(e *api.Entity) api.CompositeKey {
	if len(e.TableKey) == 0 || e.TableKey.IsInitial() {
		return e.Key
	}
	return e.TableKey
}

// ParseSubjectFormat parses name_only, name_and_key (default) or name_and_table_key
func ParseSubjectFormat(s string) (SubjectFormat, error) {
	switch normalizeEnum(s) {
	case "nameonly":
		return SubjectNameOnly, nil
	case "", "nameandkey":
		return SubjectNameAndKey, nil
	case "nameandtablekey":
		return SubjectNameAndTableKey, nil
	default:
		return 0, fmt.Errorf("unknown subject format %q", s)
	}
}

// ParseActionFormat parses none, past_tense or present_tense
func ParseActionFormat(s string) (ActionFormat, error) {
	switch normalizeEnum(s) {
	case "", "none":
		return ActionNone, nil
	case "pasttense":
		return ActionPastTense, nil
	case "presenttense":
		return ActionPresentTense, nil
	default:
		return 0, fmt.Errorf("unknown action format %q", s)
	}
}

// ParseSourceFormat parses name_only, name_and_key (default) or name_and_table_key
func ParseSourceFormat(s string) (SourceFormat, error) {
	switch normalizeEnum(s) {
	case "nameonly":
		return SourceNameOnly, nil
	case "", "nameandkey":
		return SourceNameAndKey, nil
	case "nameandtablekey":
		return SourceNameAndTableKey, nil
	default:
		return 0, fmt.Errorf("unknown source format %q", s)
	}
}

// ParseDeletePayload parses full or key_only
func ParseDeletePayload(s string) (DeletePayload, error) {
	switch normalizeEnum(s) {
	case "", "full":
		return DeletePayloadFull, nil
	case "keyonly":
		return DeletePayloadKeyOnly, nil
	default:
		return 0, fmt.Errorf("unknown delete payload %q", s)
	}
}

func normalizeEnum(s string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
}
