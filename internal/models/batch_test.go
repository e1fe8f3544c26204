package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatch_EmptyOffsets(t *testing.T) {
	b := NewBatch("events", 2, time.Now())

	assert.True(t, b.Empty())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(-1), b.FirstOffset())
	assert.Equal(t, int64(-1), b.LastOffset())
}

func TestBatch_NilIsEmpty(t *testing.T) {
	var b *Batch
	assert.True(t, b.Empty())
	assert.Equal(t, 0, b.Len())
}

func TestBatch_OffsetRangeAndToken(t *testing.T) {
	b := NewBatch("events", 2, time.Now())
	b.Offsets = []int64{10, 11, 13}
	b.Records = []EventRecord{{Count: 1}, {Count: 2}}

	assert.False(t, b.Empty())
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, int64(10), b.FirstOffset())
	assert.Equal(t, int64(13), b.LastOffset())
	assert.Equal(t, "events:2:10-13", b.Token())
}

func TestCommitCursor_Next(t *testing.T) {
	c := CommitCursor{Topic: "events", Partition: 0, Offset: 41}
	assert.Equal(t, int64(42), c.Next())
}

func TestParseStartKind(t *testing.T) {
	k, err := ParseStartKind("earliest")
	assert.NoError(t, err)
	assert.Equal(t, StartEarliest, k)

	k, err = ParseStartKind("latest")
	assert.NoError(t, err)
	assert.Equal(t, StartLatest, k)

	_, err = ParseStartKind("beginning")
	assert.Error(t, err)
}

func TestPosition_String(t *testing.T) {
	assert.Equal(t, "offset 42", AtOffset(42).String())
	assert.Equal(t, "earliest", Earliest().String())
	assert.Equal(t, "latest", Latest().String())
}
