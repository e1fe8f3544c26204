// Package pipeline drives partitions from the source through decoding and
// batching into the sink, advancing cursors only after durable writes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/batcher"
	"github.com/telhawk-systems/flowsink/internal/cursor"
	"github.com/telhawk-systems/flowsink/internal/decoder"
	"github.com/telhawk-systems/flowsink/internal/dlq"
	"github.com/telhawk-systems/flowsink/internal/metrics"
	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/sink"
	"github.com/telhawk-systems/flowsink/internal/source"
)

var (
	// ErrStartup wraps every error raised before the pipeline is running.
	ErrStartup = errors.New("pipeline startup failed")

	// ErrFailed wraps the error that moved a running pipeline to Failed.
	ErrFailed = errors.New("pipeline failed")

	ErrAlreadyRun = errors.New("coordinator already run")
)

// Config tunes the coordinator.
type Config struct {
	Batch batcher.Config

	// MaxFetch caps messages per Fetch call. Defaults to Batch.MaxRecords.
	MaxFetch int

	// PollWait bounds a single Fetch when no batch is open.
	PollWait time.Duration

	// ShutdownTimeout bounds in-flight writes after a stop is requested.
	ShutdownTimeout time.Duration

	// AdvanceRetries is how often a failed cursor write is retried.
	AdvanceRetries int
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		Batch:           batcher.Config{MaxRecords: 1000, MaxWait: 5 * time.Second},
		PollWait:        time.Second,
		ShutdownTimeout: 30 * time.Second,
		AdvanceRetries:  3,
	}
}

// Coordinator owns the pipeline lifecycle. A Coordinator runs once; a restart
// means a new Coordinator.
type Coordinator struct {
	cfg     Config
	source  source.Source
	decoder *decoder.Decoder
	writer  sink.Writer
	tracker *cursor.Tracker
	dlq     dlq.Writer
	logger  *logging.Logger
	now     func() time.Time

	state   stateMachine
	started atomic.Bool

	startedAt   time.Time
	batches     atomic.Uint64
	records     atomic.Uint64
	deadLetters atomic.Uint64

	mu  sync.Mutex
	err error
}

// New creates a coordinator in the Starting state.
func New(cfg Config, src source.Source, dec *decoder.Decoder, w sink.Writer, tracker *cursor.Tracker, dl dlq.Writer, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	if dec == nil {
		dec = decoder.New(nil, nil)
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxFetch <= 0 {
		cfg.MaxFetch = cfg.Batch.MaxRecords
	}

	c := &Coordinator{
		cfg:     cfg,
		source:  src,
		decoder: dec,
		writer:  w,
		tracker: tracker,
		dlq:     dl,
		logger:  logger,
		now:     time.Now,
	}
	c.state.onChange = func(from, to State) {
		c.logger.Info("Pipeline state changed",
			slog.String("from", from.String()),
			logging.State(to.String()))
	}
	metrics.PipelineState.Set(float64(StateStarting))
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return c.state.load()
}

// Err returns the error that moved the pipeline to Failed, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stats is a snapshot of coordinator progress.
type Stats struct {
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Batches       uint64 `json:"batches"`
	Records       uint64 `json:"records"`
	DeadLetters   uint64 `json:"dead_letters"`
}

// Health returns live status for health checks.
func (c *Coordinator) Health() Stats {
	var uptime int64
	if !c.startedAt.IsZero() {
		uptime = int64(time.Since(c.startedAt).Seconds())
	}
	return Stats{
		State:         c.State().String(),
		UptimeSeconds: uptime,
		Batches:       c.batches.Load(),
		Records:       c.records.Load(),
		DeadLetters:   c.deadLetters.Load(),
	}
}

func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.state.to(StateFailed)
	c.logger.Error("Pipeline failed", logging.Error(err))
	return err
}

// Run starts every partition and blocks until the pipeline is Stopped or
// Failed. Cancelling ctx requests a graceful stop: each partition stops
// fetching, flushes its open batch and advances its cursor. Writes still in
// flight at that point get ShutdownTimeout to finish.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	c.startedAt = time.Now()

	partitions, err := c.start(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrStartup, err))
	}

	// writes outlive the stop signal and are cut off only on failure or
	// once the shutdown timeout expires
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	g, gctx := errgroup.WithContext(workCtx)
	c.state.to(StateRunning)

	finished := make(chan struct{})
	go c.watchStop(ctx, finished, cancelWork)

	for _, p := range partitions {
		g.Go(func() error {
			return c.runPartition(ctx, gctx, p)
		})
	}

	err = g.Wait()
	close(finished)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %w", ErrFailed, err))
	}

	c.state.to(StateDraining)
	c.state.to(StateStopped)
	return nil
}

func (c *Coordinator) start(ctx context.Context) ([]int32, error) {
	partitions, err := c.source.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", c.tracker.Topic())
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	positions := make(map[int32]models.Position, len(partitions))
	for _, p := range partitions {
		pos, err := c.tracker.Resume(ctx, p)
		if err != nil {
			return nil, err
		}
		positions[p] = pos
	}

	if err := c.source.Open(ctx, positions); err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	c.logger.Info("Pipeline started",
		logging.Topic(c.tracker.Topic()),
		slog.Int("partitions", len(partitions)))
	return partitions, nil
}

func (c *Coordinator) watchStop(stop context.Context, finished <-chan struct{}, cancelWork context.CancelFunc) {
	select {
	case <-finished:
		return
	case <-stop.Done():
	}

	c.state.to(StateDraining)

	timer := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-finished:
	case <-timer.C:
		c.logger.Error("Shutdown timeout expired, abandoning in-flight writes",
			logging.Duration(c.cfg.ShutdownTimeout.Milliseconds()))
		cancelWork()
	}
}

// runPartition is the worker loop of one partition. stop ends fetching; work
// bounds writes, dead-letters and cursor updates.
func (c *Coordinator) runPartition(stop, work context.Context, partition int32) error {
	acc := batcher.New(c.cfg.Batch, c.tracker.Topic(), partition, c.now)
	logger := c.logger.With(logging.Topic(c.tracker.Topic()), logging.Partition(partition))
	label := metrics.PartitionLabel(partition)

	for {
		if stop.Err() != nil {
			logger.Info("Draining partition", logging.BatchSize(acc.Len()))
			return c.commit(work, logger, acc.Take())
		}
		if work.Err() != nil {
			return work.Err()
		}

		if acc.Due(c.now()) {
			if err := c.commit(work, logger, acc.Take()); err != nil {
				return err
			}
			continue
		}

		msgs, err := c.fetch(stop, work, partition, acc)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			return fmt.Errorf("fetch partition %d: %w", partition, err)
		}

		for i := range msgs {
			msg := msgs[i]
			rec, err := c.decoder.Decode(msg)
			if err != nil {
				metrics.DecodeFailures.WithLabelValues(label).Inc()
				if err := c.deadLetter(work, logger, &msg, err, dlq.ReasonMalformedPayload); err != nil {
					return err
				}
				acc.Skip(msg.Offset)
			} else {
				metrics.RecordsDecoded.WithLabelValues(label).Inc()
				acc.Add(rec, msg)
			}

			if acc.Full() {
				if err := c.commit(work, logger, acc.Take()); err != nil {
					return err
				}
			}
		}
	}
}

// fetch pulls at most the room left in the open batch, waiting no longer
// than the batch deadline or PollWait.
func (c *Coordinator) fetch(stop, work context.Context, partition int32, acc *batcher.Accumulator) ([]models.RawMessage, error) {
	limit := c.cfg.Batch.MaxRecords - acc.Len()
	if limit > c.cfg.MaxFetch {
		limit = c.cfg.MaxFetch
	}
	if limit < 1 {
		limit = 1
	}

	ctx, cancel := context.WithTimeout(work, acc.Remaining(c.cfg.PollWait))
	defer cancel()
	unhook := context.AfterFunc(stop, cancel)
	defer unhook()
	// AfterFunc cancels on its own goroutine and may not have run yet.
	if err := stop.Err(); err != nil {
		return nil, err
	}

	return c.source.Fetch(ctx, partition, limit)
}

// commit writes a closed batch and advances the partition cursor exactly once.
func (c *Coordinator) commit(ctx context.Context, logger *logging.Logger, batch *models.Batch) error {
	if batch.Empty() {
		return nil
	}
	label := metrics.PartitionLabel(batch.Partition)

	if batch.Len() == 0 {
		metrics.BatchesWritten.WithLabelValues(label, "empty").Inc()
	} else {
		start := time.Now()
		err := c.writer.Write(ctx, batch)
		switch {
		case err == nil:
			metrics.BatchesWritten.WithLabelValues(label, "written").Inc()
			metrics.RecordsWritten.WithLabelValues(label).Add(float64(batch.Len()))
			c.batches.Add(1)
			c.records.Add(uint64(batch.Len()))
			logger.Debug("Batch written",
				logging.BatchSize(batch.Len()),
				logging.Offset(batch.LastOffset()),
				logging.Duration(time.Since(start).Milliseconds()))

		case sink.IsConstraintViolation(err):
			metrics.BatchesWritten.WithLabelValues(label, "rejected").Inc()
			logger.Warn("Sink rejected batch", slog.String("range", batch.Token()), logging.Error(err))
			if dlErr := c.deadLetterBatch(ctx, logger, batch, err, dlq.ReasonConstraintViolation); dlErr != nil {
				return dlErr
			}

		case errors.Is(err, sink.ErrRetriesExhausted):
			metrics.BatchesWritten.WithLabelValues(label, "failed").Inc()
			if dlErr := c.deadLetterBatch(ctx, logger, batch, err, dlq.ReasonRetriesExhausted); dlErr != nil {
				return errors.Join(err, dlErr)
			}
			return fmt.Errorf("write %s: %w", batch.Token(), err)

		default:
			metrics.BatchesWritten.WithLabelValues(label, "failed").Inc()
			return fmt.Errorf("write %s: %w", batch.Token(), err)
		}
	}

	return c.advance(ctx, batch.Partition, batch.LastOffset())
}

func (c *Coordinator) advance(ctx context.Context, partition int32, offset int64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.cfg.AdvanceRetries, 0))), ctx)

	err := backoff.Retry(func() error {
		err := c.tracker.Advance(ctx, partition, offset)
		if errors.Is(err, cursor.ErrStaleOffset) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil {
		return fmt.Errorf("commit offset %d: %w", offset, err)
	}
	return nil
}

func (c *Coordinator) deadLetterBatch(ctx context.Context, logger *logging.Logger, batch *models.Batch, cause error, reason string) error {
	for i := range batch.Sources {
		if err := c.deadLetter(ctx, logger, &batch.Sources[i], cause, reason); err != nil {
			return err
		}
	}
	return nil
}

// deadLetter routes msg to the dead-letter queue. A failure here is fatal:
// the message would otherwise be lost once its offset is committed.
func (c *Coordinator) deadLetter(ctx context.Context, logger *logging.Logger, msg *models.RawMessage, cause error, reason string) error {
	logger.Warn("Dead-lettering message",
		logging.Offset(msg.Offset),
		logging.Reason(reason),
		logging.Error(cause))

	if err := c.dlq.Write(ctx, msg, cause, reason); err != nil {
		return fmt.Errorf("dead-letter offset %d: %w", msg.Offset, err)
	}
	metrics.DeadLetters.WithLabelValues(reason).Inc()
	c.deadLetters.Add(1)
	return nil
}
