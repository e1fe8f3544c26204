package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/metrics"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// Tracker resumes partitions from their committed cursors and advances them
// after successful sink writes. Each partition is advanced by one caller at a
// time, so state is kept per partition without a shared lock.
type Tracker struct {
	store    Store
	topic    string
	fallback models.StartKind
	now      func() time.Time
	logger   *logging.Logger

	committed sync.Map // int32 -> int64
}

// NewTracker creates a tracker for topic. fallback is used for partitions
// that have never been committed.
func NewTracker(store Store, topic string, fallback models.StartKind, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{
		store:    store,
		topic:    topic,
		fallback: fallback,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Topic returns the tracked topic.
func (t *Tracker) Topic() string {
	return t.topic
}

// Resume returns the position partition should be read from.
func (t *Tracker) Resume(ctx context.Context, partition int32) (models.Position, error) {
	c, ok, err := t.store.Load(ctx, t.topic, partition)
	if err != nil {
		return models.Position{}, fmt.Errorf("resume partition %d: %w", partition, err)
	}

	if !ok {
		t.logger.Info("No committed cursor, using fallback start",
			logging.Topic(t.topic),
			logging.Partition(partition),
			"start", t.fallback.String())
		return models.Position{Kind: t.fallback}, nil
	}

	t.committed.Store(partition, c.Offset)
	metrics.CommittedOffset.WithLabelValues(metrics.PartitionLabel(partition)).Set(float64(c.Offset))
	t.logger.Info("Resuming from committed cursor",
		logging.Topic(t.topic),
		logging.Partition(partition),
		logging.Offset(c.Offset))
	return models.AtOffset(c.Next()), nil
}

// Committed returns the last committed offset for partition.
func (t *Tracker) Committed(partition int32) (int64, bool) {
	v, ok := t.committed.Load(partition)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}

// Advance durably records offset as the last processed message of partition.
// The in-memory cursor only moves once the store has accepted the write.
func (t *Tracker) Advance(ctx context.Context, partition int32, offset int64) error {
	if cur, ok := t.Committed(partition); ok && offset <= cur {
		return fmt.Errorf("%w: partition %d at %d, got %d", ErrStaleOffset, partition, cur, offset)
	}

	c := models.CommitCursor{
		Topic:     t.topic,
		Partition: partition,
		Offset:    offset,
		UpdatedAt: t.now(),
	}
	if err := t.store.Save(ctx, c); err != nil {
		if !errors.Is(err, ErrStaleOffset) {
			return fmt.Errorf("advance partition %d: %w", partition, err)
		}
		// an earlier attempt may have been persisted before its reply was lost
		if landed, lerr := t.persisted(ctx, partition, offset); lerr != nil || !landed {
			return fmt.Errorf("advance partition %d: %w", partition, err)
		}
		t.logger.Info("Cursor already persisted by an earlier attempt",
			logging.Topic(t.topic),
			logging.Partition(partition),
			logging.Offset(offset))
	}

	t.committed.Store(partition, offset)
	metrics.CommittedOffset.WithLabelValues(metrics.PartitionLabel(partition)).Set(float64(offset))
	return nil
}

// persisted reports whether the store already holds exactly offset for partition.
func (t *Tracker) persisted(ctx context.Context, partition int32, offset int64) (bool, error) {
	c, ok, err := t.store.Load(ctx, t.topic, partition)
	if err != nil {
		return false, err
	}
	return ok && c.Offset == offset, nil
}

// List returns the persisted cursors of the tracked topic.
func (t *Tracker) List(ctx context.Context) ([]models.CommitCursor, error) {
	return t.store.List(ctx, t.topic)
}
