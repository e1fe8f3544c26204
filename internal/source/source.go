// Package source pulls raw messages from a partitioned log.
package source

import (
	"context"
	"errors"
	"sync"

	"github.com/telhawk-systems/flowsink/internal/models"
)

var (
	// ErrDataLoss is returned when a requested offset is no longer retained
	// and the source is not allowed to skip ahead.
	ErrDataLoss = errors.New("requested offsets are no longer available")

	ErrClosed           = errors.New("source closed")
	ErrNotOpen          = errors.New("source not open")
	ErrUnknownPartition = errors.New("unknown partition")
)

// Source is a partitioned, offset-addressed message log.
type Source interface {
	// Partitions lists the partitions of the subscribed topic.
	Partitions(ctx context.Context) ([]int32, error)

	// Open starts reading each listed partition at its position.
	Open(ctx context.Context, positions map[int32]models.Position) error

	// Fetch returns up to max messages of partition in offset order. It
	// blocks until at least one message is available, ctx is done, or the
	// source is closed.
	Fetch(ctx context.Context, partition int32, max int) ([]models.RawMessage, error)

	Close() error
}

// partitionBuffer holds fetched but not yet consumed messages of one partition.
// pause and resume switch fetching for the partition. Both run with mu held,
// so the last call made always agrees with paused.
type partitionBuffer struct {
	mu      sync.Mutex
	records []models.RawMessage
	signal  chan struct{}
	limit   int
	paused  bool
	pause   func()
	resume  func()
}

func newPartitionBuffer(limit int, pause, resume func()) *partitionBuffer {
	if pause == nil {
		pause = func() {}
	}
	if resume == nil {
		resume = func() {}
	}
	return &partitionBuffer{
		signal: make(chan struct{}, 1),
		limit:  limit,
		pause:  pause,
		resume: resume,
	}
}

// push appends msgs and pauses the partition once the buffer reaches its limit.
func (b *partitionBuffer) push(msgs []models.RawMessage) {
	if len(msgs) == 0 {
		return
	}

	b.mu.Lock()
	b.records = append(b.records, msgs...)
	if b.limit > 0 && !b.paused && len(b.records) >= b.limit {
		b.paused = true
		b.pause()
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// take removes up to max messages and resumes a paused partition once it
// has drained to half its limit.
func (b *partitionBuffer) take(max int) []models.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}

	n := len(b.records)
	if max > 0 && max < n {
		n = max
	}
	out := make([]models.RawMessage, n)
	copy(out, b.records[:n])
	if n == len(b.records) {
		b.records = nil
	} else {
		b.records = b.records[n:]
	}

	if b.paused && len(b.records) <= b.limit/2 {
		b.paused = false
		b.resume()
	}
	return out
}

func (b *partitionBuffer) isPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

func (b *partitionBuffer) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// await blocks until buf holds messages, ctx is done, or done is closed.
func await(ctx context.Context, buf *partitionBuffer, max int, done <-chan struct{}, doneErr func() error) ([]models.RawMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if out := buf.take(max); len(out) > 0 {
			return out, nil
		}

		select {
		case <-buf.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			if out := buf.take(max); len(out) > 0 {
				return out, nil
			}
			return nil, doneErr()
		}
	}
}
