package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/config"
	"github.com/telhawk-systems/flowsink/internal/dlq"
	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/output"
	"github.com/telhawk-systems/flowsink/internal/pipeline"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old, oldNoColor := output.Stdout, color.NoColor
	output.Stdout, color.NoColor = &buf, true
	t.Cleanup(func() { output.Stdout, color.NoColor = old, oldNoColor })
	return &buf
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string][]string{
		"run":     nil,
		"dlq":     {"list", "stats", "purge", "replay"},
		"cursors": {"list"},
	}

	found := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		subs, ok := want[cmd.Name()]
		if !ok {
			continue
		}
		found[cmd.Name()] = true

		names := map[string]bool{}
		for _, sub := range cmd.Commands() {
			names[sub.Name()] = true
		}
		for _, s := range subs {
			assert.True(t, names[s], "%s %s not registered", cmd.Name(), s)
		}
	}
	for name := range want {
		assert.True(t, found[name], "%s not registered", name)
	}
}

type recordingProducer struct {
	produced []models.RawMessage
	err      error
}

func (p *recordingProducer) Produce(_ context.Context, msgs []models.RawMessage) error {
	if p.err != nil {
		return p.err
	}
	p.produced = append(p.produced, msgs...)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func newFileQueue(t *testing.T, n int) *dlq.FileQueue {
	t.Helper()
	q, err := dlq.NewFileQueue(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	for i := range n {
		msg := &models.RawMessage{Topic: "test-url-1204", Partition: 1, Offset: int64(i), Key: []byte("k"), Value: []byte(`{"count":"x"}`)}
		require.NoError(t, q.Write(context.Background(), msg, errors.New("bad count"), dlq.ReasonMalformedPayload))
		time.Sleep(time.Millisecond)
	}
	return q
}

func TestReplay(t *testing.T) {
	t.Run("produces and removes entries", func(t *testing.T) {
		q := newFileQueue(t, 3)
		p := &recordingProducer{}

		n, removed, err := replay(context.Background(), q, p, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.True(t, removed)
		require.Len(t, p.produced, 3)
		assert.Equal(t, []byte(`{"count":"x"}`), p.produced[0].Value)

		left, err := q.List(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, left)
	})

	t.Run("honours limit", func(t *testing.T) {
		q := newFileQueue(t, 3)
		p := &recordingProducer{}

		n, _, err := replay(context.Background(), q, p, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, int64(0), p.produced[0].Offset)

		left, err := q.List(context.Background(), 0)
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, int64(2), left[0].Message.Offset)
	})

	t.Run("keeps entries when produce fails", func(t *testing.T) {
		q := newFileQueue(t, 2)
		p := &recordingProducer{err: errors.New("broker down")}

		_, _, err := replay(context.Background(), q, p, 0)
		require.Error(t, err)

		left, err := q.List(context.Background(), 0)
		require.NoError(t, err)
		assert.Len(t, left, 2)
	})

	t.Run("empty queue", func(t *testing.T) {
		n, removed, err := replay(context.Background(), newFileQueue(t, 0), &recordingProducer{}, 0)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.False(t, removed)
	})
}

func TestRenderCursors(t *testing.T) {
	cursors := []models.CommitCursor{{Topic: "test-url-1204", Partition: 0, Offset: 41}}

	t.Run("json", func(t *testing.T) {
		buf := captureOutput(t)
		require.NoError(t, renderCursors("json", "test-url-1204", cursors))

		var got []models.CommitCursor
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, int64(41), got[0].Offset)
	})

	t.Run("table", func(t *testing.T) {
		buf := captureOutput(t)
		require.NoError(t, renderCursors("table", "test-url-1204", cursors))
		assert.Contains(t, buf.String(), "41")
		assert.Contains(t, buf.String(), "42")
	})

	t.Run("empty", func(t *testing.T) {
		buf := captureOutput(t)
		require.NoError(t, renderCursors("table", "test-url-1204", nil))
		assert.Contains(t, buf.String(), "No committed cursors")
	})
}

func TestRenderFailed_Table(t *testing.T) {
	buf := captureOutput(t)
	entries := []dlq.FailedMessage{{
		ID:       "0192",
		Reason:   dlq.ReasonConstraintViolation,
		Message:  &models.RawMessage{Partition: 3, Offset: 99},
		Attempts: 1,
		Error:    "sink constraint_violation: code 53",
	}}
	require.NoError(t, renderFailed("table", entries))
	out := buf.String()
	assert.Contains(t, out, "constraint_violation")
	assert.Contains(t, out, "99")
}

func TestRun_StartupFailure(t *testing.T) {
	cfg := &config.Config{}
	cfg.Kafka.Topic = "test-url-1204"
	cfg.Cursor.Backend = "bogus"

	err := Run(context.Background(), cfg, logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrStartup)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
