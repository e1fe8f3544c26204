package batcher

import (
	"time"

	"github.com/telhawk-systems/flowsink/internal/models"
)

// Config controls when a batch closes: on MaxRecords OR MaxWait, whichever first.
type Config struct {
	MaxRecords int
	MaxWait    time.Duration
}

// Accumulator buffers records of a single partition into the current batch.
// It is not safe for concurrent use; each partition worker owns one.
type Accumulator struct {
	cfg       Config
	topic     string
	partition int32
	now       func() time.Time
	current   *models.Batch
}

// New creates an accumulator. A nil clock defaults to time.Now.
func New(cfg Config, topic string, partition int32, now func() time.Time) *Accumulator {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Accumulator{
		cfg:       cfg,
		topic:     topic,
		partition: partition,
		now:       now,
	}
}

func (a *Accumulator) open() {
	if a.current == nil {
		a.current = models.NewBatch(a.topic, a.partition, a.now())
	}
}

// Add appends a decoded record and reports whether the batch reached MaxRecords.
func (a *Accumulator) Add(rec models.EventRecord, src models.RawMessage) bool {
	a.open()
	a.current.Records = append(a.current.Records, rec)
	a.current.Sources = append(a.current.Sources, src)
	a.current.Offsets = append(a.current.Offsets, src.Offset)
	return a.Full()
}

// Skip marks an offset as covered without adding a record, e.g. after the
// message behind it was dead-lettered.
func (a *Accumulator) Skip(offset int64) {
	a.open()
	a.current.Offsets = append(a.current.Offsets, offset)
}

// Len returns the number of records in the open batch.
func (a *Accumulator) Len() int {
	return a.current.Len()
}

// Pending reports whether the open batch covers any offset.
func (a *Accumulator) Pending() bool {
	return !a.current.Empty()
}

// Full reports whether the open batch reached MaxRecords.
func (a *Accumulator) Full() bool {
	return a.current.Len() >= a.cfg.MaxRecords
}

// Deadline returns when the open batch must close on time. ok is false when
// nothing is pending.
func (a *Accumulator) Deadline() (deadline time.Time, ok bool) {
	if !a.Pending() {
		return time.Time{}, false
	}
	return a.current.OpenedAt.Add(a.cfg.MaxWait), true
}

// Due reports whether the open batch should close at now.
func (a *Accumulator) Due(now time.Time) bool {
	if a.Full() {
		return true
	}
	deadline, ok := a.Deadline()
	return ok && !now.Before(deadline)
}

// Remaining returns the wait left before the open batch is due, capped at limit.
func (a *Accumulator) Remaining(limit time.Duration) time.Duration {
	deadline, ok := a.Deadline()
	if !ok {
		return limit
	}
	left := deadline.Sub(a.now())
	if left < 0 {
		return 0
	}
	if left < limit {
		return left
	}
	return limit
}

// Take closes and returns the open batch, or nil when nothing is pending.
func (a *Accumulator) Take() *models.Batch {
	if !a.Pending() {
		return nil
	}
	b := a.current
	a.current = nil
	return b
}
