package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger to provide context-aware structured logging.
// It automatically includes pipeline fields (topic, partition) stored in the context.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified log level and format.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a Logger writing to w instead of stdout.
func NewWithWriter(w io.Writer, level slog.Level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location for errors and above
		AddSource: level <= slog.LevelError,
	}

	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Default returns the default logger (uses slog.Default).
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

type fieldsKey struct{}

// WithFields returns a context carrying attributes that WithContext adds to every record.
func WithFields(ctx context.Context, attrs ...slog.Attr) context.Context {
	existing, _ := ctx.Value(fieldsKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// FieldsFromContext returns the attributes stored by WithFields.
func FieldsFromContext(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(fieldsKey{}).([]slog.Attr)
	return attrs
}

// WithContext returns a logger that extracts contextual information from ctx.
func (l *Logger) WithContext(ctx context.Context) *slog.Logger {
	attrs := FieldsFromContext(ctx)
	if len(attrs) == 0 {
		return l.Logger
	}
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	return l.Logger.With(args...)
}

// InfoContext logs at Info level with context-aware fields.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).InfoContext(ctx, msg, args...)
}

// WarnContext logs at Warn level with context-aware fields.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).WarnContext(ctx, msg, args...)
}

// ErrorContext logs at Error level with context-aware fields.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).ErrorContext(ctx, msg, args...)
}

// DebugContext logs at Debug level with context-aware fields.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).DebugContext(ctx, msg, args...)
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a new logger with the given group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo for invalid values.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault sets the default logger for the application.
// This affects both slog.Default() and log package functions.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, slog.LevelError+4, "json")
}
