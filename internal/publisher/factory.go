package publisher

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	api "github.com/katasec/dstream-orchestrator/pkg/cdc"
)

const (
	TypeLog        = "log"
	TypeKafka      = "kafka"
	TypeNats       = "nats"
	TypeServiceBus = "servicebus"
)

// Config selects and configures an EventPublisher
type Config struct {
	Type             string
	Format           string
	Brokers          []string
	Topic            string
	NatsURL          string
	ConnectionString string
	QueueOrTopic     string
	MaxMessageBytes  int64
}

// New creates the EventPublisher named by config.Type; empty means log
func New(ctx context.Context, config Config, logger hclog.Logger) (api.EventPublisher, error) {
	serializer, err := NewSerializer(config.Format)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(config.Type) {
	case "", TypeLog:
		return NewLogPublisher(logger, serializer), nil
	case TypeKafka:
		return NewKafkaPublisher(KafkaConfig{
			Brokers:    config.Brokers,
			Topic:      config.Topic,
			BatchBytes: config.MaxMessageBytes,
		}, serializer)
	case TypeNats:
		return NewNatsPublisher(ctx, config.NatsURL, config.Topic, serializer)
	case TypeServiceBus:
		var maxBytes uint64
		if config.MaxMessageBytes > 0 {
			maxBytes = uint64(config.MaxMessageBytes)
		}
		return NewServiceBusPublisher(config.ConnectionString, config.QueueOrTopic, maxBytes, serializer)
	default:
		return nil, fmt.Errorf("unsupported publisher type: %s", config.Type)
	}
}
