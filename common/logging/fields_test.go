package logging

import (
	"errors"
	"log/slog"
	"testing"
)

func TestStringFields(t *testing.T) {
	tests := []struct {
		name  string
		attr  slog.Attr
		key   string
		value string
	}{
		{"service", Service("flowsink"), FieldService, "flowsink"},
		{"topic", Topic("test-url-1204"), FieldTopic, "test-url-1204"},
		{"reason", Reason("malformed_payload"), FieldReason, "malformed_payload"},
		{"state", State("running"), FieldState, "running"},
		{"backend", Backend("redis"), FieldBackend, "redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.value {
				t.Errorf("expected value %q, got %q", tt.value, tt.attr.Value.String())
			}
		})
	}
}

func TestPartition(t *testing.T) {
	attr := Partition(12)
	if attr.Key != FieldPartition {
		t.Errorf("expected key %q, got %q", FieldPartition, attr.Key)
	}
	if attr.Value.Int64() != 12 {
		t.Errorf("expected value 12, got %d", attr.Value.Int64())
	}
}

func TestOffset(t *testing.T) {
	attr := Offset(1 << 40)
	if attr.Key != FieldOffset {
		t.Errorf("expected key %q, got %q", FieldOffset, attr.Key)
	}
	if attr.Value.Int64() != 1<<40 {
		t.Errorf("expected value %d, got %d", int64(1<<40), attr.Value.Int64())
	}
}

func TestBatchSizeAndAttempt(t *testing.T) {
	if got := BatchSize(500).Value.Int64(); got != 500 {
		t.Errorf("BatchSize value = %d, want 500", got)
	}
	if got := Attempt(3).Value.Int64(); got != 3 {
		t.Errorf("Attempt value = %d, want 3", got)
	}
	if got := Duration(150).Value.Int64(); got != 150 {
		t.Errorf("Duration value = %d, want 150", got)
	}
}

func TestError(t *testing.T) {
	attr := Error(errors.New("connection refused"))
	if attr.Key != FieldError {
		t.Errorf("expected key %q, got %q", FieldError, attr.Key)
	}
	if attr.Value.String() != "connection refused" {
		t.Errorf("expected value %q, got %q", "connection refused", attr.Value.String())
	}

	if Error(nil).Value.String() != "" {
		t.Error("nil error should produce empty value")
	}
}
