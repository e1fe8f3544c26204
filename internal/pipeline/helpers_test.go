package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/batcher"
	"github.com/telhawk-systems/flowsink/internal/cursor"
	"github.com/telhawk-systems/flowsink/internal/decoder"
	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/sink"
	"github.com/telhawk-systems/flowsink/internal/source"
)

const testTopic = "test-url-1204"

// memorySink stores written batches. Scripted errors are returned first.
type memorySink struct {
	mu      sync.Mutex
	batches []*models.Batch
	errs    []error
	writes  int
	block   chan struct{}
}

func (s *memorySink) Write(ctx context.Context, b *models.Batch) error {
	s.mu.Lock()
	s.writes++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return err
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) Batches() []*models.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Batch(nil), s.batches...)
}

func (s *memorySink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Offsets returns the source offsets of every written record of partition.
func (s *memorySink) Offsets(partition int32) []int64 {
	var out []int64
	for _, b := range s.Batches() {
		if b.Partition != partition {
			continue
		}
		for _, src := range b.Sources {
			out = append(out, src.Offset)
		}
	}
	return out
}

// countingStore counts persisted cursor saves. It can reject the next
// failNext saves, lose the reply of the next lostReplies saves after they
// persist, or fail every save after a limit.
type countingStore struct {
	*cursor.MemoryStore
	mu          sync.Mutex
	saves       int
	attempts    int
	failAfter   int
	failNext    int
	lostReplies int
}

var (
	errStoreDown = errors.New("cursor store unavailable")
	errLostReply = errors.New("i/o timeout after commit")
)

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: cursor.NewMemoryStore(), failAfter: -1}
}

func (s *countingStore) Save(ctx context.Context, c models.CommitCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failAfter >= 0 && s.saves >= s.failAfter {
		return errStoreDown
	}
	if s.failNext > 0 {
		s.failNext--
		return errStoreDown
	}
	if err := s.MemoryStore.Save(ctx, c); err != nil {
		return err
	}
	s.saves++
	if s.lostReplies > 0 {
		s.lostReplies--
		return errLostReply
	}
	return nil
}

func (s *countingStore) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *countingStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *countingStore) committed(partition int32) (int64, bool) {
	c, ok, _ := s.Load(context.Background(), testTopic, partition)
	return c.Offset, ok
}

type dlqEntry struct {
	msg    models.RawMessage
	reason string
	err    error
}

type recordingDLQ struct {
	mu      sync.Mutex
	entries []dlqEntry
	err     error
}

func (d *recordingDLQ) Write(_ context.Context, msg *models.RawMessage, err error, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.entries = append(d.entries, dlqEntry{msg: *msg, reason: reason, err: err})
	return nil
}

func (d *recordingDLQ) Entries() []dlqEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dlqEntry(nil), d.entries...)
}

type harness struct {
	src    *source.MemorySource
	sink   *memorySink
	writer sink.Writer
	store  *countingStore
	dlq    *recordingDLQ
	cfg    Config
	coord  *Coordinator

	cancel context.CancelFunc
	done   chan error
}

func testConfig(maxRecords int, maxWait time.Duration) Config {
	return Config{
		Batch:           batcher.Config{MaxRecords: maxRecords, MaxWait: maxWait},
		PollWait:        20 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

func newHarness(partitions int, cfg Config) *harness {
	ms := &memorySink{}
	return &harness{
		src:    source.NewMemorySource(testTopic, partitions),
		sink:   ms,
		writer: ms,
		store:  newCountingStore(),
		dlq:    &recordingDLQ{},
		cfg:    cfg,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	tracker := cursor.NewTracker(h.store, testTopic, models.StartEarliest, logging.Discard())
	h.coord = New(h.cfg, h.src, decoder.New(nil, nil), h.writer, tracker, h.dlq, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.coord.Run(ctx) }()

	require.Eventually(t, func() bool { return h.coord.State() != StateStarting }, time.Second, time.Millisecond)
}

// stop requests a graceful stop and returns Run's result.
func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	return h.wait(t)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not return")
		return nil
	}
}

func validPayload(i int) []byte {
	return []byte(fmt.Sprintf(
		`{"sslsni":"host%d.example.com","subscriberid":"sub-%d","hour_key":2024010100,"count":%d,"up":10,"down":20}`,
		i, i, i))
}

func fakePayload(f *gofakeit.Faker) []byte {
	return []byte(fmt.Sprintf(
		`{"sslsni":%q,"subscriberid":%q,"hour_key":%d,"count":%d,"up":%d,"down":%d}`,
		f.DomainName(), f.UUID(), f.Number(2020010100, 2030123123),
		f.Number(0, 1000), f.Number(0, 1<<30), f.Number(0, 1<<30)))
}
