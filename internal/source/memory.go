package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/flowsink/internal/models"
)

// MemorySource is an in-process partitioned log.
type MemorySource struct {
	topic string

	mu        sync.Mutex
	logs      map[int32][]models.RawMessage
	buffers   map[int32]*partitionBuffer
	opened    map[int32]models.Position
	done      chan struct{}
	closed    bool
	delivered atomic.Int64

	// OpenErr, when set, is returned by Open.
	OpenErr error
}

// NewMemorySource creates a topic with the given number of empty partitions.
func NewMemorySource(topic string, partitions int) *MemorySource {
	s := &MemorySource{
		topic: topic,
		logs:  make(map[int32][]models.RawMessage, partitions),
		done:  make(chan struct{}),
	}
	for p := 0; p < partitions; p++ {
		s.logs[int32(p)] = nil
	}
	return s
}

// Append adds values to partition and returns the offset of the last one.
func (s *MemorySource) Append(partition int32, values ...[]byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[partition]
	msgs := make([]models.RawMessage, len(values))
	for i, v := range values {
		msgs[i] = models.RawMessage{
			Topic:     s.topic,
			Partition: partition,
			Offset:    int64(len(log) + i),
			Value:     v,
			Timestamp: time.Now().UTC(),
		}
	}
	s.logs[partition] = append(log, msgs...)

	if buf, ok := s.buffers[partition]; ok {
		buf.push(msgs)
	}
	return int64(len(s.logs[partition]) - 1)
}

func (s *MemorySource) Partitions(_ context.Context) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int32, 0, len(s.logs))
	for p := int32(0); int(p) < len(s.logs); p++ {
		ids = append(ids, p)
	}
	return ids, nil
}

func (s *MemorySource) Open(_ context.Context, positions map[int32]models.Position) error {
	if s.OpenErr != nil {
		return s.OpenErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buffers != nil {
		return errors.New("source already open")
	}

	s.buffers = make(map[int32]*partitionBuffer, len(positions))
	s.opened = positions
	for p, pos := range positions {
		log, ok := s.logs[p]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownPartition, p)
		}

		start := 0
		switch pos.Kind {
		case models.StartLatest:
			start = len(log)
		case models.StartAtOffset:
			start = int(pos.Offset)
			if start > len(log) {
				start = len(log)
			}
			if start < 0 {
				start = 0
			}
		}

		buf := newPartitionBuffer(0, nil, nil)
		buf.push(log[start:])
		s.buffers[p] = buf
	}
	return nil
}

func (s *MemorySource) Fetch(ctx context.Context, partition int32, max int) ([]models.RawMessage, error) {
	s.mu.Lock()
	buf, ok := s.buffers[partition]
	opened := s.buffers != nil
	s.mu.Unlock()

	if !opened {
		return nil, ErrNotOpen
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, partition)
	}

	out, err := await(ctx, buf, max, s.done, func() error { return ErrClosed })
	s.delivered.Add(int64(len(out)))
	return out, err
}

func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Delivered returns the number of messages handed out by Fetch.
func (s *MemorySource) Delivered() int64 {
	return s.delivered.Load()
}

// Pending returns the number of buffered messages of partition not yet fetched.
func (s *MemorySource) Pending(partition int32) int {
	s.mu.Lock()
	buf, ok := s.buffers[partition]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return buf.size()
}

// OpenedAt returns the position partition was opened at.
func (s *MemorySource) OpenedAt(partition int32) (models.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.opened[partition]
	return pos, ok
}
