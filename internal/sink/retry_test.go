package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// scriptedWriter returns the scripted errors in order, then succeeds.
type scriptedWriter struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	written []*models.Batch
	block   bool
}

func (w *scriptedWriter) Write(ctx context.Context, batch *models.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.block {
		w.mu.Unlock()
		<-ctx.Done()
		w.mu.Lock()
		return ctx.Err()
	}
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	w.written = append(w.written, batch)
	return nil
}

func (w *scriptedWriter) Close() error { return nil }

func testRetryConfig(retries int) RetryConfig {
	return RetryConfig{
		WriteTimeout:   time.Second,
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func testBatch() *models.Batch {
	b := models.NewBatch("events", 1, time.Now())
	b.Records = []models.EventRecord{{Count: 1}}
	b.Sources = []models.RawMessage{{Topic: "events", Partition: 1, Offset: 10}}
	b.Offsets = []int64{10}
	return b
}

func TestRetryingWriter_RecoversFromConnectionFailures(t *testing.T) {
	next := &scriptedWriter{errs: []error{
		&Error{Kind: ConnectionFailure, Err: errors.New("refused")},
		&Error{Kind: ConnectionFailure, Err: errors.New("refused")},
	}}
	w := NewRetryingWriter(next, testRetryConfig(5), logging.Discard())

	err := w.Write(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
	assert.Len(t, next.written, 1)
}

func TestRetryingWriter_ConstraintViolationIsNotRetried(t *testing.T) {
	next := &scriptedWriter{errs: []error{
		&Error{Kind: ConstraintViolation, Err: errors.New("type mismatch")},
	}}
	w := NewRetryingWriter(next, testRetryConfig(5), logging.Discard())

	err := w.Write(context.Background(), testBatch())
	require.Error(t, err)
	assert.True(t, IsConstraintViolation(err))
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, next.calls)
}

func TestRetryingWriter_ExhaustsBudget(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = errors.New("network down")
	}
	next := &scriptedWriter{errs: errs}
	w := NewRetryingWriter(next, testRetryConfig(2), logging.Discard())

	err := w.Write(context.Background(), testBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ConnectionFailure, kind)
	assert.Equal(t, 3, next.calls)
	assert.Empty(t, next.written)
}

func TestRetryingWriter_PerAttemptTimeout(t *testing.T) {
	next := &scriptedWriter{block: true}
	cfg := testRetryConfig(1)
	cfg.WriteTimeout = 10 * time.Millisecond
	w := NewRetryingWriter(next, cfg, logging.Discard())

	err := w.Write(context.Background(), testBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	kind, _ := KindOf(err)
	assert.Equal(t, Timeout, kind)
	assert.Equal(t, 2, next.calls)
}

func TestRetryingWriter_AbortedByContext(t *testing.T) {
	next := &scriptedWriter{block: true}
	cfg := testRetryConfig(5)
	cfg.WriteTimeout = 0
	w := NewRetryingWriter(next, cfg, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.Write(ctx, testBatch())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, next.calls)
}

func TestAttemptsError(t *testing.T) {
	next := &scriptedWriter{errs: []error{errors.New("a"), errors.New("b")}}
	w := NewRetryingWriter(next, testRetryConfig(1), logging.Discard())

	err := w.Write(context.Background(), testBatch())
	var ae *AttemptsError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 2, ae.Attempts())
}
