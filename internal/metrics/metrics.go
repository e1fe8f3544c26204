package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Source metrics
	MessagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsink_messages_fetched_total",
			Help: "Total number of messages pulled from the source log",
		},
		[]string{"partition"},
	)

	PartitionsPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowsink_source_partitions_paused",
			Help: "Number of source partitions paused for backpressure",
		},
	)

	// Decode metrics
	RecordsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsink_records_decoded_total",
			Help: "Total number of messages decoded into records",
		},
		[]string{"partition"},
	)

	DecodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsink_decode_failures_total",
			Help: "Total number of messages rejected by the decoder",
		},
		[]string{"partition"},
	)

	// Sink metrics
	BatchesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsink_batches_total",
			Help: "Total number of closed batches by outcome",
		},
		[]string{"partition", "outcome"},
	)

	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsink_records_written_total",
			Help: "Total number of records appended to the sink",
		},
		[]string{"partition"},
	)

	SinkWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowsink_sink_write_duration_seconds",
			Help:    "Duration of single sink append attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SinkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsink_sink_retries_total",
			Help: "Total number of sink write retries by error kind",
		},
		[]string{"kind"},
	)

	// Dead-letter metrics
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowsink_dead_letters_total",
			Help: "Total number of messages routed to the dead-letter path",
		},
		[]string{"reason"},
	)

	// Cursor metrics
	CommittedOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowsink_committed_offset",
			Help: "Last committed source offset per partition",
		},
		[]string{"partition"},
	)

	// Pipeline metrics
	PipelineState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowsink_pipeline_state",
			Help: "Current coordinator state (0=starting 1=running 2=draining 3=stopped 4=failed)",
		},
	)
)

// PartitionLabel formats a partition id for use as a label value.
func PartitionLabel(partition int32) string {
	return strconv.FormatInt(int64(partition), 10)
}
