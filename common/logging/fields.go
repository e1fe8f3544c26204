package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldService   = "service"
	FieldTopic     = "topic"
	FieldPartition = "partition"
	FieldOffset    = "offset"
	FieldReason    = "reason"
	FieldBatchSize = "batch_size"
	FieldAttempt   = "attempt"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldState     = "state"
	FieldBackend   = "backend"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Topic returns a slog attribute for the source topic.
func Topic(topic string) slog.Attr {
	return slog.String(FieldTopic, topic)
}

// Partition returns a slog attribute for the source partition.
func Partition(p int32) slog.Attr {
	return slog.Int(FieldPartition, int(p))
}

// Offset returns a slog attribute for a source offset.
func Offset(offset int64) slog.Attr {
	return slog.Int64(FieldOffset, offset)
}

// Reason returns a slog attribute for a dead-letter or failure reason.
func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

// BatchSize returns a slog attribute for the number of records in a batch.
func BatchSize(n int) slog.Attr {
	return slog.Int(FieldBatchSize, n)
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// State returns a slog attribute for a pipeline state.
func State(s string) slog.Attr {
	return slog.String(FieldState, s)
}

// Backend returns a slog attribute naming a storage backend.
func Backend(name string) slog.Attr {
	return slog.String(FieldBackend, name)
}
