package source

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/telhawk-systems/flowsink/internal/models"
)

// Producer writes messages back to the source topic.
type Producer interface {
	Produce(ctx context.Context, msgs []models.RawMessage) error
	Close() error
}

// KafkaProducer re-publishes messages, keeping their key and value.
type KafkaProducer struct {
	client *kgo.Client
	topic  string
}

// NewKafkaProducer creates a producer for cfg.Topic.
func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	opts := append(cfg.clientOpts(),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &KafkaProducer{client: client, topic: cfg.Topic}, nil
}

// Produce synchronously writes msgs to the configured topic.
func (p *KafkaProducer) Produce(ctx context.Context, msgs []models.RawMessage) error {
	records := make([]*kgo.Record, len(msgs))
	for i, m := range msgs {
		records[i] = &kgo.Record{
			Topic: p.topic,
			Key:   m.Key,
			Value: m.Value,
		}
	}
	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	p.client.Close()
	return nil
}
