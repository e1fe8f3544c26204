package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/telhawk-systems/flowsink/common/logging"
	"github.com/telhawk-systems/flowsink/internal/metrics"
	"github.com/telhawk-systems/flowsink/internal/models"
)

// KafkaConfig configures the Kafka source.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string

	// AllowDataLoss resets out-of-range offsets to the earliest retained
	// offset instead of failing.
	AllowDataLoss bool

	// BufferSize is the number of buffered messages per partition at which
	// fetching for that partition pauses.
	BufferSize int

	MaxPollRecords int
	FetchMaxBytes  int32
	FetchMaxWait   time.Duration
	DialTimeout    time.Duration
}

// DefaultKafkaConfig returns defaults for a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:        []string{"localhost:9092"},
		Topic:          "test-url-1204",
		ClientID:       "flowsink",
		AllowDataLoss:  true,
		BufferSize:     10000,
		MaxPollRecords: 5000,
		FetchMaxBytes:  50 << 20,
		FetchMaxWait:   500 * time.Millisecond,
		DialTimeout:    10 * time.Second,
	}
}

func (c KafkaConfig) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(c.ClientID),
	}
	if c.DialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(c.DialTimeout))
	}
	return opts
}

// KafkaSource reads statically assigned partitions of one topic. A single
// poll loop routes records into bounded per-partition buffers; partitions
// whose buffer is full are paused until their worker catches up.
type KafkaSource struct {
	cfg    KafkaConfig
	admin  *kgo.Client
	logger *logging.Logger

	mu       sync.Mutex
	consumer *kgo.Client
	buffers  map[int32]*partitionBuffer
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewKafkaSource creates a source and the metadata client used before Open.
func NewKafkaSource(cfg KafkaConfig, logger *logging.Logger) (*KafkaSource, error) {
	if logger == nil {
		logger = logging.Default()
	}
	admin, err := kgo.NewClient(cfg.clientOpts()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaSource{
		cfg:    cfg,
		admin:  admin,
		logger: logger,
	}, nil
}

// Partitions lists the topic's partitions from broker metadata.
func (s *KafkaSource) Partitions(ctx context.Context) ([]int32, error) {
	req := kmsg.NewPtrMetadataRequest()
	topic := kmsg.NewMetadataRequestTopic()
	topic.Topic = kmsg.StringPtr(s.cfg.Topic)
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, s.admin)
	if err != nil {
		return nil, fmt.Errorf("metadata request: %w", err)
	}

	for _, t := range resp.Topics {
		if t.Topic == nil || *t.Topic != s.cfg.Topic {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return nil, fmt.Errorf("topic %s: %w", s.cfg.Topic, err)
		}
		ids := make([]int32, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			ids = append(ids, p.Partition)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, nil
	}
	return nil, fmt.Errorf("topic %s not found in metadata", s.cfg.Topic)
}

func toKafkaOffset(p models.Position) kgo.Offset {
	switch p.Kind {
	case models.StartEarliest:
		return kgo.NewOffset().AtStart()
	case models.StartLatest:
		return kgo.NewOffset().AtEnd()
	default:
		return kgo.NewOffset().At(p.Offset)
	}
}

// Open starts consuming the given partitions and the background poll loop.
func (s *KafkaSource) Open(ctx context.Context, positions map[int32]models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumer != nil {
		return errors.New("source already open")
	}

	offsets := make(map[int32]kgo.Offset, len(positions))
	buffers := make(map[int32]*partitionBuffer, len(positions))
	for p, pos := range positions {
		offsets[p] = toKafkaOffset(pos)
	}

	reset := kgo.NewOffset().AtStart()
	if !s.cfg.AllowDataLoss {
		reset = kgo.NoResetOffset()
	}

	opts := append(s.cfg.clientOpts(),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{s.cfg.Topic: offsets}),
		kgo.ConsumeResetOffset(reset),
	)
	if s.cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(s.cfg.FetchMaxBytes))
	}
	if s.cfg.FetchMaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(s.cfg.FetchMaxWait))
	}

	consumer, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	if err := consumer.Ping(ctx); err != nil {
		consumer.Close()
		return fmt.Errorf("failed to reach kafka: %w", err)
	}

	for p := range positions {
		buffers[p] = newPartitionBuffer(s.cfg.BufferSize, s.pauser(consumer, p), s.resumer(consumer, p))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s.consumer = consumer
	s.buffers = buffers
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.poll(pollCtx)
	return nil
}

func (s *KafkaSource) poll(ctx context.Context) {
	defer close(s.done)

	for {
		fetches := s.consumer.PollRecords(ctx, s.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			s.finish(ErrClosed)
			return
		}

		var fatal error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, kerr.OffsetOutOfRange) && !s.cfg.AllowDataLoss {
				fatal = fmt.Errorf("%w: %s/%d: %v", ErrDataLoss, topic, partition, err)
				return
			}
			s.logger.Warn("Kafka fetch error",
				logging.Topic(topic),
				logging.Partition(partition),
				logging.Error(err))
		})
		if fatal != nil {
			s.logger.Error("Kafka source failed", logging.Error(fatal))
			s.finish(fatal)
			return
		}

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			buf, ok := s.buffers[p.Partition]
			if !ok || len(p.Records) == 0 {
				return
			}
			msgs := toRawMessages(p.Records)
			metrics.MessagesFetched.WithLabelValues(metrics.PartitionLabel(p.Partition)).Add(float64(len(msgs)))
			buf.push(msgs)
		})
	}
}

func (s *KafkaSource) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *KafkaSource) doneErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrClosed
	}
	return s.err
}

// Fetch returns buffered messages for partition, waiting for the poll loop
// when the buffer is empty.
func (s *KafkaSource) Fetch(ctx context.Context, partition int32, max int) ([]models.RawMessage, error) {
	s.mu.Lock()
	buf, ok := s.buffers[partition]
	done := s.done
	consumer := s.consumer
	s.mu.Unlock()

	if consumer == nil {
		return nil, ErrNotOpen
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPartition, partition)
	}

	return await(ctx, buf, max, done, s.doneErr)
}

func (s *KafkaSource) pauser(consumer *kgo.Client, partition int32) func() {
	return func() {
		consumer.PauseFetchPartitions(map[string][]int32{s.cfg.Topic: {partition}})
		metrics.PartitionsPaused.Inc()
	}
}

func (s *KafkaSource) resumer(consumer *kgo.Client, partition int32) func() {
	return func() {
		consumer.ResumeFetchPartitions(map[string][]int32{s.cfg.Topic: {partition}})
		metrics.PartitionsPaused.Dec()
	}
}

// Close stops the poll loop and closes both clients.
func (s *KafkaSource) Close() error {
	s.mu.Lock()
	cancel, done, consumer := s.cancel, s.done, s.consumer
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		consumer.Close()
		<-done
	}
	s.admin.Close()
	return nil
}

func toRawMessages(records []*kgo.Record) []models.RawMessage {
	out := make([]models.RawMessage, len(records))
	for i, r := range records {
		out[i] = models.RawMessage{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		}
	}
	return out
}
