package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/common/messaging/nats"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// Dead-letter reasons.
const (
	ReasonMalformedPayload    = "malformed_payload"
	ReasonConstraintViolation = "constraint_violation"
	ReasonRetriesExhausted    = "retries_exhausted"
)

var (
	ErrNotEnabled = errors.New("dlq not enabled")
	ErrNotFound   = errors.New("dlq entry not found")
)

// FailedMessage captures a source message the pipeline could not deliver.
type FailedMessage struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Message     *models.RawMessage `json:"message"`
	Error       string             `json:"error"`
	Reason      string             `json:"reason"`
	Attempts    int                `json:"attempts"`
	LastAttempt time.Time          `json:"last_attempt"`
}

// Writer records undeliverable messages.
type Writer interface {
	Write(ctx context.Context, msg *models.RawMessage, err error, reason string) error
}

// Queue is a Writer that can also be inspected and emptied.
type Queue interface {
	Writer
	List(ctx context.Context, limit int) ([]FailedMessage, error)
	Purge(ctx context.Context) error
	Stats(ctx context.Context) map[string]any
	Close() error
}

func newFailedMessage(msg *models.RawMessage, err error, reason string, attempts int) FailedMessage {
	now := time.Now().UTC()
	id, _ := uuid.NewV7()
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	if attempts < 1 {
		attempts = 1
	}
	return FailedMessage{
		ID:          id.String(),
		Timestamp:   now,
		Message:     msg,
		Error:       errText,
		Reason:      reason,
		Attempts:    attempts,
		LastAttempt: now,
	}
}

// Attempts is attached to an error to record how many delivery attempts it covers.
type Attempts interface {
	Attempts() int
}

func attemptsOf(err error) int {
	var a Attempts
	if errors.As(err, &a) {
		return a.Attempts()
	}
	return 1
}

// messageID identifies a dead-letter by its source position and reason.
func messageID(msg *models.RawMessage, reason string) string {
	if msg == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d:%s", msg.Topic, msg.Partition, msg.Offset, reason)
}

// Config selects and configures a Queue backend.
type Config struct {
	Backend string
	Path    string
	NATS    nats.Config
}

// Open creates the configured queue.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileQueue(cfg.Path, logger)
	case "jetstream":
		cfg.NATS.Logger = logger
		js, err := nats.NewJetStreamClient(cfg.NATS)
		if err != nil {
			return nil, err
		}
		q, err := NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			_ = js.Close()
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown dlq backend %q", cfg.Backend)
	}
}
