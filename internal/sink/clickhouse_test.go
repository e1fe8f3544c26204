package sink

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/models"
)

type fakeBatch struct {
	driver.Batch
	rows      [][]any
	appendErr error
	sendErr   error
	sent      bool
	aborted   bool
}

func (b *fakeBatch) Append(v ...any) error {
	if b.appendErr != nil && len(b.rows) == 1 {
		return b.appendErr
	}
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return b.sendErr
}

func (b *fakeBatch) Abort() error {
	b.aborted = true
	return nil
}

type fakeConn struct {
	conn
	prepareErr error
	batch      *fakeBatch
	queries    []string
	ctxs       []context.Context
}

func (c *fakeConn) PrepareBatch(ctx context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.queries = append(c.queries, query)
	c.ctxs = append(c.ctxs, ctx)
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	return c.batch, nil
}

type settingsKey struct{}

// newTestWriter records the settings passed for each insert in the context.
func newTestWriter(c *fakeConn) *ClickHouseWriter {
	w := newClickHouseWriter(c, DefaultConfig(), logging.Discard())
	w.withSettings = func(ctx context.Context, s clickhouse.Settings) context.Context {
		return context.WithValue(ctx, settingsKey{}, s)
	}
	return w
}

func offsetBatch(n int) *models.Batch {
	b := models.NewBatch("test-url-1204", 2, time.Now())
	for i := range n {
		off := int64(10 + i)
		b.Records = append(b.Records, models.EventRecord{
			ClientIdentifier:     fmt.Sprintf("host%d.example.com", i),
			SubscriberIdentifier: fmt.Sprintf("sub-%d", i),
			HourBucket:           2024010100,
			Count:                int32(i),
		})
		b.Sources = append(b.Sources, models.RawMessage{Partition: 2, Offset: off})
		b.Offsets = append(b.Offsets, off)
	}
	return b
}

func TestClickHouseWriter_WriteSendsOneInsert(t *testing.T) {
	c := &fakeConn{batch: &fakeBatch{}}
	w := newTestWriter(c)
	batch := offsetBatch(3)

	require.NoError(t, w.Write(context.Background(), batch))

	require.Len(t, c.queries, 1)
	assert.Equal(t, insertQuery(DefaultConfig()), c.queries[0])
	require.Len(t, c.batch.rows, 3)
	for i, row := range c.batch.rows {
		assert.Equal(t, RowValues(batch.Records[i]), row)
	}
	assert.True(t, c.batch.sent)
	assert.False(t, c.batch.aborted)

	settings, ok := c.ctxs[0].Value(settingsKey{}).(clickhouse.Settings)
	require.True(t, ok)
	assert.Equal(t, "test-url-1204:2:10-12", settings["insert_deduplication_token"])
	assert.Equal(t, batch.Token(), settings["insert_deduplication_token"])
}

func TestClickHouseWriter_WriteErrors(t *testing.T) {
	tests := []struct {
		name        string
		conn        *fakeConn
		want        Kind
		wantSent    bool
		wantAborted bool
	}{
		{
			name: "prepare connection failure",
			conn: &fakeConn{prepareErr: errors.New("dial tcp: connection refused")},
			want: ConnectionFailure,
		},
		{
			name:        "append rejects row",
			conn:        &fakeConn{batch: &fakeBatch{appendErr: errors.New("converting string to Int32 is unsupported")}},
			want:        ConstraintViolation,
			wantAborted: true,
		},
		{
			name:     "send type mismatch",
			conn:     &fakeConn{batch: &fakeBatch{sendErr: &clickhouse.Exception{Code: 53, Message: "Type mismatch"}}},
			want:     ConstraintViolation,
			wantSent: true,
		},
		{
			name:     "send timeout",
			conn:     &fakeConn{batch: &fakeBatch{sendErr: fmt.Errorf("read: %w", context.DeadlineExceeded)}},
			want:     Timeout,
			wantSent: true,
		},
		{
			name:     "send connection reset",
			conn:     &fakeConn{batch: &fakeBatch{sendErr: errors.New("write: broken pipe")}},
			want:     ConnectionFailure,
			wantSent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWriter(tt.conn)

			err := w.Write(context.Background(), offsetBatch(3))
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)

			if tt.conn.batch != nil {
				assert.Equal(t, tt.wantSent, tt.conn.batch.sent)
				assert.Equal(t, tt.wantAborted, tt.conn.batch.aborted)
			}
		})
	}
}

func TestClickHouseWriter_AppendFailureNamesOffset(t *testing.T) {
	c := &fakeConn{batch: &fakeBatch{appendErr: errors.New("bad value")}}
	w := newTestWriter(c)

	err := w.Write(context.Background(), offsetBatch(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offset 11")
	assert.Len(t, c.batch.rows, 1)
}

func TestInsertSettings(t *testing.T) {
	b := offsetBatch(2)
	assert.Equal(t, clickhouse.Settings{"insert_deduplication_token": "test-url-1204:2:10-11"}, insertSettings(b))
}
