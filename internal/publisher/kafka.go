package publisher

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

const DefaultKafkaBatchBytes = 1 << 20

// KafkaConfig holds configuration for KafkaPublisher
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	BatchBytes int64
}

// KafkaPublisher writes events to a Kafka topic keyed by primary key
type KafkaPublisher struct {
	writer     *kafka.Writer
	serializer Serializer
}

// NewKafkaPublisher creates a KafkaPublisher
func NewKafkaPublisher(config KafkaConfig, serializer Serializer) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker address")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.Hash{},
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, serializer: serializer}, nil
}

// SendBatch writes all events in a single synchronous call
func (k *KafkaPublisher) SendBatch(ctx context.Context, events []api.EventEnvelope) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := kafkaMessages(events, k.serializer)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write %d messages to kafka: %w", len(msgs), err)
	}
	return nil
}

func kafkaMessages(events []api.EventEnvelope, serializer Serializer) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := serializer.Serialize(ev)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.PrimaryKey.String()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "ce_id", Value: []byte(ev.ID)},
				{Key: "ce_type", Value: []byte(ev.Type)},
				{Key: "content-type", Value: []byte(serializer.ContentType())},
			},
		})
	}
	return msgs, nil
}

// Close releases resources held by the KafkaPublisher
func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

var _ api.EventPublisher = (*KafkaPublisher)(nil)
