package publisher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
	"github.com/katasec/dstream-orchestrator/pkg/types"
)

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Serializer encodes an event for the wire
type Serializer interface {
	ContentType() string
	Serialize(ev api.EventEnvelope) ([]byte, error)
}

// NewSerializer returns the serializer for the given format; empty means json
func NewSerializer(format string) (Serializer, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return jsonSerializer{}, nil
	case FormatMsgpack:
		return msgpackSerializer{}, nil
	default:
		return nil, fmt.Errorf("unsupported event format: %s", format)
	}
}

// ToMessage converts an event into its serialized shape
func ToMessage(ev api.EventEnvelope, contentType string) types.EventMessage {
	return types.EventMessage{
		SpecVersion:     types.SpecVersion,
		ID:              ev.ID,
		Type:            ev.Type,
		Source:          ev.Source,
		Subject:         ev.Subject,
		Action:          ev.Action,
		CorrelationID:   ev.CorrelationID,
		PartitionKey:    ev.PrimaryKey.String(),
		ETag:            ev.ETag,
		DataContentType: contentType,
		Data:            ev.Data,
	}
}

type jsonSerializer struct{}

func (jsonSerializer) ContentType() string { return "application/json" }

func (s jsonSerializer) Serialize(ev api.EventEnvelope) ([]byte, error) {
	b, err := json.Marshal(ToMessage(ev, s.ContentType()))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event %s: %w", ev.ID, err)
	}
	return b, nil
}

type msgpackSerializer struct{}

func (msgpackSerializer) ContentType() string { return "application/msgpack" }

func (s msgpackSerializer) Serialize(ev api.EventEnvelope) ([]byte, error) {
	b, err := msgpack.Marshal(ToMessage(ev, s.ContentType()))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event %s: %w", ev.ID, err)
	}
	return b, nil
}
