package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// NatsPublisher publishes events to NATS JetStream. Each message carries the event id as its
// Nats-Msg-Id so a republished batch is deduplicated by the stream.
type NatsPublisher struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	prefix     string
	serializer Serializer
}

// NewNatsPublisher connects to NATS and ensures a stream covering prefix.>
func NewNatsPublisher(ctx context.Context, url, prefix string, serializer Serializer) (*NatsPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("nats publisher requires nats_url")
	}
	if prefix == "" {
		prefix = "cdc"
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamName := sanitizeStreamName(prefix)
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 10 * time.Minute,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	return &NatsPublisher{nc: nc, js: js, prefix: prefix, serializer: serializer}, nil
}

// SendBatch publishes the events in order and fails on the first error
func (n *NatsPublisher) SendBatch(ctx context.Context, events []api.EventEnvelope) error {
	for _, ev := range events {
		msg, err := natsMessage(n.prefix, ev, n.serializer)
		if err != nil {
			return err
		}
		if _, err := n.js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish event %s to %s: %w", ev.ID, msg.Subject, err)
		}
	}
	return nil
}

func natsMessage(prefix string, ev api.EventEnvelope, serializer Serializer) (*nats.Msg, error) {
	data, err := serializer.Serialize(ev)
	if err != nil {
		return nil, err
	}
	header := nats.Header{}
	header.Set(nats.MsgIdHdr, ev.ID)
	header.Set("key", ev.PrimaryKey.String())
	header.Set("content-type", serializer.ContentType())
	return &nats.Msg{
		Subject: prefix + "." + ev.Subject,
		Data:    data,
		Header:  header,
	}, nil
}

// Close releases resources held by the NatsPublisher
func (n *NatsPublisher) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject))
}

var _ api.EventPublisher = (*NatsPublisher)(nil)
