package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowsink/internal/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func src(offset int64) models.RawMessage {
	return models.RawMessage{Topic: "t", Partition: 0, Offset: offset}
}

func rec(count int32) models.EventRecord {
	return models.EventRecord{Count: count}
}

func TestAccumulator_ClosesOnSize(t *testing.T) {
	clock := newClock()
	acc := New(Config{MaxRecords: 3, MaxWait: 5 * time.Second}, "t", 0, clock.Now)

	assert.False(t, acc.Add(rec(1), src(0)))
	clock.Advance(300 * time.Millisecond)
	assert.False(t, acc.Add(rec(2), src(1)))
	clock.Advance(300 * time.Millisecond)
	full := acc.Add(rec(3), src(2))

	assert.True(t, full, "third record within 1s closes the batch")
	assert.True(t, acc.Due(clock.Now()))

	batch := acc.Take()
	require.NotNil(t, batch)
	assert.Equal(t, 3, batch.Len())
	assert.Equal(t, []int64{0, 1, 2}, batch.Offsets)
	assert.False(t, acc.Pending())
}

func TestAccumulator_ClosesOnTime(t *testing.T) {
	clock := newClock()
	acc := New(Config{MaxRecords: 3, MaxWait: 5 * time.Second}, "t", 0, clock.Now)

	acc.Add(rec(1), src(10))
	clock.Advance(4 * time.Second)
	assert.False(t, acc.Due(clock.Now()))

	clock.Advance(time.Second)
	assert.True(t, acc.Due(clock.Now()), "silence for max wait closes a batch of one")

	batch := acc.Take()
	require.NotNil(t, batch)
	assert.Equal(t, 1, batch.Len())
}

func TestAccumulator_WaitCountsFromOldestEntry(t *testing.T) {
	clock := newClock()
	acc := New(Config{MaxRecords: 100, MaxWait: 5 * time.Second}, "t", 0, clock.Now)

	acc.Add(rec(1), src(0))
	clock.Advance(3 * time.Second)
	acc.Add(rec(2), src(1))
	clock.Advance(2 * time.Second)

	assert.True(t, acc.Due(clock.Now()))
}

func TestAccumulator_Deadline(t *testing.T) {
	clock := newClock()
	acc := New(Config{MaxRecords: 10, MaxWait: 5 * time.Second}, "t", 0, clock.Now)

	_, ok := acc.Deadline()
	assert.False(t, ok)
	assert.Equal(t, 2*time.Second, acc.Remaining(2*time.Second))

	start := clock.Now()
	acc.Add(rec(1), src(0))
	deadline, ok := acc.Deadline()
	require.True(t, ok)
	assert.Equal(t, start.Add(5*time.Second), deadline)

	clock.Advance(4 * time.Second)
	assert.Equal(t, time.Second, acc.Remaining(2*time.Second))
	assert.Equal(t, 500*time.Millisecond, acc.Remaining(500*time.Millisecond))

	clock.Advance(10 * time.Second)
	assert.Equal(t, time.Duration(0), acc.Remaining(2*time.Second))
}

func TestAccumulator_SkipCoversOffsetWithoutRecord(t *testing.T) {
	clock := newClock()
	acc := New(Config{MaxRecords: 2, MaxWait: time.Second}, "t", 4, clock.Now)

	acc.Add(rec(1), src(0))
	acc.Skip(1)
	assert.Equal(t, 1, acc.Len())
	assert.False(t, acc.Full())
	acc.Add(rec(2), src(2))

	batch := acc.Take()
	require.NotNil(t, batch)
	assert.Equal(t, int32(4), batch.Partition)
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, []int64{0, 1, 2}, batch.Offsets)
	assert.Equal(t, int64(2), batch.LastOffset())
	assert.Equal(t, []int64{0, 2}, []int64{batch.Sources[0].Offset, batch.Sources[1].Offset})
}

func TestAccumulator_SkipOnlyBatchIsPending(t *testing.T) {
	clock := newClock()
	acc := New(Config{MaxRecords: 5, MaxWait: time.Second}, "t", 0, clock.Now)

	acc.Skip(7)
	assert.True(t, acc.Pending())
	assert.Equal(t, 0, acc.Len())

	clock.Advance(time.Second)
	assert.True(t, acc.Due(clock.Now()))

	batch := acc.Take()
	require.NotNil(t, batch)
	assert.Equal(t, 0, batch.Len())
	assert.Equal(t, int64(7), batch.LastOffset())
}

func TestAccumulator_TakeEmpty(t *testing.T) {
	acc := New(Config{MaxRecords: 5, MaxWait: time.Second}, "t", 0, nil)
	assert.Nil(t, acc.Take())
	assert.False(t, acc.Due(time.Now()))
}

func TestAccumulator_PreservesSourceOrder(t *testing.T) {
	clock := newClock()
	acc := New(Config{MaxRecords: 50, MaxWait: time.Minute}, "t", 0, clock.Now)

	for i := int64(0); i < 20; i++ {
		acc.Add(rec(int32(i)), src(100+i))
	}

	batch := acc.Take()
	require.NotNil(t, batch)
	for i, r := range batch.Records {
		assert.Equal(t, int32(i), r.Count)
		assert.Equal(t, int64(100+i), batch.Offsets[i])
	}
}

func TestNew_ClampsMaxRecords(t *testing.T) {
	acc := New(Config{MaxRecords: 0, MaxWait: time.Second}, "t", 0, nil)
	assert.True(t, acc.Add(rec(1), src(0)))
}
