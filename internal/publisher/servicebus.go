package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

// ErrBatchTooLarge is returned when the events do not fit in one Service Bus message batch
var ErrBatchTooLarge = errors.New("events exceed the service bus batch size")

// ServiceBusPublisher sends each call as a single Service Bus message batch
type ServiceBusPublisher struct {
	client     *azservicebus.Client
	sender     *azservicebus.Sender
	maxBytes   uint64
	serializer Serializer
}

// NewServiceBusPublisher creates a ServiceBusPublisher for a queue or topic
func NewServiceBusPublisher(connectionString, queueOrTopic string, maxBytes uint64, serializer Serializer) (*ServiceBusPublisher, error) {
	if connectionString == "" || queueOrTopic == "" {
		return nil, fmt.Errorf("service bus publisher requires connection_string and queue_or_topic")
	}
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}
	sender, err := client.NewSender(queueOrTopic, nil)
	if err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("failed to create service bus sender: %w", err)
	}
	return &ServiceBusPublisher{client: client, sender: sender, maxBytes: maxBytes, serializer: serializer}, nil
}

// SendBatch sends the events as one message batch. A batch that does not fit is rejected whole.
func (s *ServiceBusPublisher) SendBatch(ctx context.Context, events []api.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}

	var opts *azservicebus.MessageBatchOptions
	if s.maxBytes > 0 {
		opts = &azservicebus.MessageBatchOptions{MaxBytes: s.maxBytes}
	}
	batch, err := s.sender.NewMessageBatch(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to create message batch: %w", err)
	}

	for _, ev := range events {
		msg, err := serviceBusMessage(ev, s.serializer)
		if err != nil {
			return err
		}
		if err := batch.AddMessage(msg, nil); err != nil {
			if errors.Is(err, azservicebus.ErrMessageTooLarge) {
				return fmt.Errorf("%w: %d events", ErrBatchTooLarge, len(events))
			}
			return fmt.Errorf("failed to add event %s to batch: %w", ev.ID, err)
		}
	}

	if err := s.sender.SendMessageBatch(ctx, batch, nil); err != nil {
		return fmt.Errorf("failed to send message batch: %w", err)
	}
	return nil
}

func serviceBusMessage(ev api.EventEnvelope, serializer Serializer) (*azservicebus.Message, error) {
	body, err := serializer.Serialize(ev)
	if err != nil {
		return nil, err
	}
	msg := &azservicebus.Message{
		Body:        body,
		MessageID:   to.Ptr(ev.ID),
		ContentType: to.Ptr(serializer.ContentType()),
		Subject:     to.Ptr(ev.Type),
		ApplicationProperties: map[string]any{
			"key": ev.PrimaryKey.String(),
		},
	}
	if ev.CorrelationID != "" {
		msg.CorrelationID = to.Ptr(ev.CorrelationID)
	}
	return msg, nil
}

// Close releases resources held by the ServiceBusPublisher
func (s *ServiceBusPublisher) Close() error {
	ctx := context.Background()
	if err := s.sender.Close(ctx); err != nil {
		return err
	}
	return s.client.Close(ctx)
}

var _ api.EventPublisher = (*ServiceBusPublisher)(nil)
