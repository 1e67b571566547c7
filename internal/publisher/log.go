package publisher

import (
	"context"

	"github.com/hashicorp/go-hclog"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// LogPublisher writes events to the log instead of a broker
type LogPublisher struct {
	logger     hclog.Logger
	serializer Serializer
}

// NewLogPublisher creates a LogPublisher
func NewLogPublisher(logger hclog.Logger, serializer Serializer) *LogPublisher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &LogPublisher{logger: logger.Named("publisher"), serializer: serializer}
}

// SendBatch serializes every event before logging any of them
func (p *LogPublisher) SendBatch(ctx context.Context, events []api.EventEnvelope) error {
	payloads := make([][]byte, len(events))
	for i, ev := range events {
		b, err := p.serializer.Serialize(ev)
		if err != nil {
			return err
		}
		payloads[i] = b
	}

	for i, ev := range events {
		p.logger.Info("Event", "id", ev.ID, "type", ev.Type, "key", ev.PrimaryKey.String(), "payload", string(payloads[i]))
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

var _ api.EventPublisher = (*LogPublisher)(nil)
