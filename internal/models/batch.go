package models

import (
	"fmt"
	"time"
)

// Batch is an ordered group of records from a single partition that is
// written to the sink as one unit.
type Batch struct {
	Topic     string
	Partition int32
	// Records and Sources are parallel: Sources[i] produced Records[i].
	Records []EventRecord
	Sources []RawMessage
	// Offsets lists every source offset the batch covers, including
	// messages that were dead-lettered before reaching Records.
	Offsets  []int64
	OpenedAt time.Time
}

// NewBatch creates an empty batch for a partition.
func NewBatch(topic string, partition int32, openedAt time.Time) *Batch {
	return &Batch{
		Topic:     topic,
		Partition: partition,
		OpenedAt:  openedAt,
	}
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Empty reports whether the batch covers no offsets at all.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Offsets) == 0
}

// FirstOffset returns the lowest covered offset, or -1 when empty.
func (b *Batch) FirstOffset() int64 {
	if b.Empty() {
		return -1
	}
	return b.Offsets[0]
}

// LastOffset returns the highest covered offset, or -1 when empty.
func (b *Batch) LastOffset() int64 {
	if b.Empty() {
		return -1
	}
	return b.Offsets[len(b.Offsets)-1]
}

// Token identifies the covered range; identical ranges yield identical tokens.
func (b *Batch) Token() string {
	return fmt.Sprintf("%s:%d:%d-%d", b.Topic, b.Partition, b.FirstOffset(), b.LastOffset())
}
