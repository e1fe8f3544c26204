package config

import (
	"github.com/telhawk-systems/flowsink/common/messaging/nats"
	"github.com/telhawk-systems/flowsink/internal/batcher"
	"github.com/telhawk-systems/flowsink/internal/cursor"
	"github.com/telhawk-systems/flowsink/internal/dlq"
	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/pipeline"
	"github.com/telhawk-systems/flowsink/internal/sink"
	"github.com/telhawk-systems/flowsink/internal/source"
	"github.com/telhawk-systems/flowsink/internal/validator"
)

// SourceConfig returns the Kafka source settings.
func (c *Config) SourceConfig() source.KafkaConfig {
	return source.KafkaConfig{
		Brokers:        c.Kafka.Brokers,
		Topic:          c.Kafka.Topic,
		ClientID:       c.Kafka.ClientID,
		AllowDataLoss:  c.Kafka.AllowDataLoss,
		BufferSize:     c.Kafka.BufferSize,
		MaxPollRecords: c.Kafka.MaxPollRecords,
		FetchMaxWait:   c.Kafka.FetchMaxWait,
		DialTimeout:    c.Kafka.DialTimeout,
	}
}

// StartKind returns the start used for partitions without a committed cursor.
// Validate has already rejected unknown names.
func (c *Config) StartKind() models.StartKind {
	k, err := models.ParseStartKind(c.Kafka.StartPosition)
	if err != nil {
		return models.StartEarliest
	}
	return k
}

// SinkConfig returns the ClickHouse writer settings.
func (c *Config) SinkConfig() sink.Config {
	return sink.Config{
		Host:           c.ClickHouse.Host,
		Port:           c.ClickHouse.Port,
		User:           c.ClickHouse.User,
		Password:       c.ClickHouse.Password,
		Database:       c.ClickHouse.Database,
		Table:          c.ClickHouse.Table,
		DialTimeout:    c.ClickHouse.DialTimeout,
		MaxOpenConns:   c.ClickHouse.MaxOpenConns,
		Compression:    c.ClickHouse.Compression,
		DedupWindow:    c.ClickHouse.DedupWindow,
		CreateIfAbsent: c.ClickHouse.CreateTable,
	}
}

// RetryConfig returns the sink retry budget.
func (c *Config) RetryConfig() sink.RetryConfig {
	return sink.RetryConfig{
		WriteTimeout:   c.Sink.WriteTimeout,
		MaxRetries:     c.Sink.MaxRetries,
		InitialBackoff: c.Sink.InitialBackoff,
		MaxBackoff:     c.Sink.MaxBackoff,
	}
}

// BatchConfig returns the accumulator limits.
func (c *Config) BatchConfig() batcher.Config {
	return batcher.Config{
		MaxRecords: c.Batch.MaxRecords,
		MaxWait:    c.Batch.MaxWait,
	}
}

// PipelineConfig returns the coordinator settings.
func (c *Config) PipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Batch = c.BatchConfig()
	cfg.ShutdownTimeout = c.Shutdown.Timeout
	if c.Kafka.MaxPollRecords > 0 {
		cfg.MaxFetch = c.Kafka.MaxPollRecords
	}
	return cfg
}

// Schema returns the payload schema.
func (c *Config) Schema() *validator.Schema {
	return validator.NewSchema(validator.RejectEmpty(c.Validation.RejectEmpty))
}

// CursorConfig returns the cursor store settings.
func (c *Config) CursorConfig() cursor.Config {
	return cursor.Config{
		Backend: c.Cursor.Backend,
		Redis: cursor.RedisConfig{
			Addr:      c.Cursor.Redis.Addr,
			Password:  c.Cursor.Redis.Password,
			DB:        c.Cursor.Redis.DB,
			KeyPrefix: c.Cursor.Redis.KeyPrefix,
		},
		Postgres: cursor.PostgresConfig{
			DSN:      c.Cursor.Postgres.DSN,
			MaxConns: c.Cursor.Postgres.MaxConns,
			Migrate:  c.Cursor.Postgres.Migrate,
		},
	}
}

// DLQConfig returns the dead-letter queue settings.
func (c *Config) DLQConfig() dlq.Config {
	nc := nats.DefaultConfig()
	nc.URL = c.DLQ.NATS.URL
	nc.Username = c.DLQ.NATS.Username
	nc.Password = c.DLQ.NATS.Password
	nc.Token = c.DLQ.NATS.Token
	return dlq.Config{
		Backend: c.DLQ.Backend,
		Path:    c.DLQ.Path,
		NATS:    nc,
	}
}
