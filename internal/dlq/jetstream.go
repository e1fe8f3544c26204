package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/common/messaging"
	"github.com/telhawk-systems/flowsink/common/messaging/nats"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// JetStreamQueue writes failed messages to NATS JetStream.
// Safe for use across multiple flowsink instances.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	logger  *logging.Logger
	written atomic.Uint64
}

// NewJetStreamQueue creates a DLQ backed by NATS JetStream.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("JetStream DLQ stream ready", logging.Backend("jetstream"), "stream", nats.DLQStream.Name)

	return &JetStreamQueue{
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

// Write publishes a failed message to flowsink.dlq.<reason>. The publish
// carries a message id derived from the source position, so a message
// dead-lettered again after a restart is stored once.
func (q *JetStreamQueue) Write(ctx context.Context, msg *models.RawMessage, err error, reason string) error {
	if q == nil {
		return ErrNotEnabled
	}

	failed := newFailedMessage(msg, err, reason, attemptsOf(err))

	data, marshalErr := json.Marshal(failed)
	if marshalErr != nil {
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	opts := []messaging.PublishOption{messaging.WithHeader(messaging.HeaderReason, reason)}
	if msg != nil {
		opts = append(opts,
			messaging.WithHeader(messaging.HeaderTopic, msg.Topic),
			messaging.WithHeader(messaging.HeaderPartition, strconv.FormatInt(int64(msg.Partition), 10)),
			messaging.WithHeader(messaging.HeaderOffset, strconv.FormatInt(msg.Offset, 10)),
		)
	}
	out := messaging.NewMessage(messaging.DLQSubject(reason), data, opts...)

	if _, pubErr := q.js.PublishSync(ctx, out, messageID(msg, reason)); pubErr != nil {
		return fmt.Errorf("publish dlq entry: %w", pubErr)
	}

	q.written.Add(1)
	return nil
}

// Stats returns DLQ metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]any {
	if q == nil {
		return map[string]any{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]any{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": q.written.Load(),
			"error":         err.Error(),
		}
	}

	return map[string]any{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  q.written.Load(),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

// List returns failed messages from the JetStream DLQ, oldest first.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedMessage, error) {
	if q == nil {
		return nil, ErrNotEnabled
	}

	if limit <= 0 {
		limit = 100
	}

	// ephemeral consumer, removed by the server once inactive
	consumer, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{messaging.SubjectDLQAll},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []FailedMessage
	for msg := range msgs.Messages() {
		var failed FailedMessage
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			q.logger.Error("Failed to parse DLQ message", logging.Error(err))
			continue
		}
		out = append(out, failed)
	}

	if err := msgs.Error(); err != nil {
		q.logger.Warn("DLQ fetch completed with error", logging.Error(err))
	}

	return out, nil
}

// Purge removes all messages from the DLQ stream.
func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if q == nil {
		return ErrNotEnabled
	}

	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}

	q.logger.Info("Purged dead-letter queue", logging.Backend("jetstream"))
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *JetStreamQueue) IsConnected() bool {
	return q != nil && q.js.IsConnected()
}

// Close drains the NATS connection.
func (q *JetStreamQueue) Close() error {
	if q == nil {
		return nil
	}
	return q.js.Drain()
}
