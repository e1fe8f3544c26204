// Package nats provides JetStream support for durable, persistent messaging.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/flowsink/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Duplicates is the window in which repeated message IDs are dropped.
	Duplicates time.Duration

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.Duplicates,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// PublishSync publishes a message and waits for acknowledgment. A non-empty
// msgID lets the stream drop a repeated publish within its duplicate window.
func (c *JetStreamClient) PublishSync(ctx context.Context, msg *messaging.Message, msgID string) (*jetstream.PubAck, error) {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	return c.js.PublishMsg(ctx, toNatsMsg(msg), opts...)
}

// DLQStream captures messages the pipeline could not deliver.
var DLQStream = StreamConfig{
	Name:       "FLOWSINK_DLQ",
	Subjects:   []string{messaging.SubjectDLQAll},
	MaxAge:     7 * 24 * time.Hour,
	MaxBytes:   1024 * 1024 * 1024, // 1GB
	MaxMsgs:    1000000,
	Duplicates: 10 * time.Minute,
	Retention:  jetstream.LimitsPolicy, // kept until purged or aged out
	Storage:    jetstream.FileStorage,
}
