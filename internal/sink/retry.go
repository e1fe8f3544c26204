package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/metrics"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// RetryConfig bounds how long a single batch may be retried.
type RetryConfig struct {
	WriteTimeout   time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the service defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		WriteTimeout:   30 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// RetryingWriter retries transient failures of the wrapped Writer with
// exponential backoff. ConstraintViolation errors are returned immediately.
type RetryingWriter struct {
	next   Writer
	config RetryConfig
	logger *logging.Logger
}

// NewRetryingWriter wraps next.
func NewRetryingWriter(next Writer, cfg RetryConfig, logger *logging.Logger) *RetryingWriter {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryingWriter{next: next, config: cfg, logger: logger}
}

func (w *RetryingWriter) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.InitialBackoff
	b.MaxInterval = w.config.MaxBackoff
	// the retry count is the only budget
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = b
	if w.config.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(w.config.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Write delivers batch, retrying up to MaxRetries times after the first attempt.
func (w *RetryingWriter) Write(ctx context.Context, batch *models.Batch) error {
	attempts := 0

	op := func() error {
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if w.config.WriteTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, w.config.WriteTimeout)
		}
		defer cancel()

		start := time.Now()
		err := Classify(w.next.Write(attemptCtx, batch))
		metrics.SinkWriteDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if IsConstraintViolation(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		kind, _ := KindOf(err)
		metrics.SinkRetries.WithLabelValues(kind.String()).Inc()
		w.logger.Warn("Sink write failed, retrying",
			logging.Topic(batch.Topic),
			logging.Partition(batch.Partition),
			logging.Offset(batch.LastOffset()),
			logging.Attempt(attempts),
			logging.Duration(wait.Milliseconds()),
			logging.Error(err))
	}

	err := backoff.RetryNotify(op, w.newBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if IsConstraintViolation(err) {
		return err
	}
	if ctx.Err() != nil {
		return &AttemptsError{
			Count: attempts,
			Err:   fmt.Errorf("%w after %d attempts: %w", ErrAborted, attempts, errors.Join(err, ctx.Err())),
		}
	}
	return &AttemptsError{
		Count: attempts,
		Err:   fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err),
	}
}

// AttemptsError records how many writes were made before giving up.
type AttemptsError struct {
	Count int
	Err   error
}

func (e *AttemptsError) Error() string { return e.Err.Error() }

func (e *AttemptsError) Unwrap() error { return e.Err }

// Attempts returns the number of write attempts.
func (e *AttemptsError) Attempts() int { return e.Count }

// Close closes the wrapped writer.
func (w *RetryingWriter) Close() error {
	return w.next.Close()
}
