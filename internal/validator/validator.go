package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/telhawk-systems/flowsink/internal/models"
)

// ErrInvalidField is matched by every coercion failure.
var ErrInvalidField = errors.New("invalid field")

// ErrNoKnownFields is returned in strict mode when a mapping sets none of the schema keys.
var ErrNoKnownFields = errors.New("no schema fields present")

// FieldError describes a present field that could not be coerced to its declared type.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s (got %T %v)", e.Field, e.Reason, e.Value, e.Value)
}

func (e *FieldError) Is(target error) bool {
	return target == ErrInvalidField
}

// Kind is the declared type of a schema field.
type Kind int

const (
	KindString Kind = iota
	KindInt32
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt32:
		return "int32"
	default:
		return "unknown"
	}
}

// Field binds a payload key to a record member.
type Field struct {
	Key      string
	Kind     Kind
	setStr   func(*models.EventRecord, string)
	setInt32 func(*models.EventRecord, int32)
}

// Schema coerces decoded key/value mappings into EventRecords.
type Schema struct {
	fields []Field
	strict bool
}

// Option configures a Schema.
type Option func(*Schema)

// RejectEmpty makes a mapping with none of the schema keys a validation failure.
func RejectEmpty(enabled bool) Option {
	return func(s *Schema) {
		s.strict = enabled
	}
}

// NewSchema returns the traffic-usage event schema.
func NewSchema(opts ...Option) *Schema {
	s := &Schema{
		fields: []Field{
			stringField("sslsni", func(r *models.EventRecord, v string) { r.ClientIdentifier = v }),
			stringField("subscriberid", func(r *models.EventRecord, v string) { r.SubscriberIdentifier = v }),
			int32Field("hour_key", func(r *models.EventRecord, v int32) { r.HourBucket = v }),
			int32Field("count", func(r *models.EventRecord, v int32) { r.Count = v }),
			int32Field("up", func(r *models.EventRecord, v int32) { r.BytesUp = v }),
			int32Field("down", func(r *models.EventRecord, v int32) { r.BytesDown = v }),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stringField(key string, set func(*models.EventRecord, string)) Field {
	return Field{Key: key, Kind: KindString, setStr: set}
}

func int32Field(key string, set func(*models.EventRecord, int32)) Field {
	return Field{Key: key, Kind: KindInt32, setInt32: set}
}

// Fields returns the schema fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Coerce builds a record from fields. Absent keys and JSON nulls leave the
// zero value; unknown keys are ignored. IngestedAt is never read from fields.
func (s *Schema) Coerce(fields map[string]any) (models.EventRecord, error) {
	var rec models.EventRecord
	present := 0

	for _, f := range s.fields {
		raw, ok := fields[f.Key]
		if !ok || raw == nil {
			continue
		}
		present++

		switch f.Kind {
		case KindString:
			v, err := toString(raw)
			if err != nil {
				return models.EventRecord{}, &FieldError{Field: f.Key, Value: raw, Reason: err.Error()}
			}
			f.setStr(&rec, v)
		case KindInt32:
			v, err := toInt32(raw)
			if err != nil {
				return models.EventRecord{}, &FieldError{Field: f.Key, Value: raw, Reason: err.Error()}
			}
			f.setInt32(&rec, v)
		}
	}

	if s.strict && present == 0 {
		return models.EventRecord{}, ErrNoKnownFields
	}
	return rec, nil
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case map[string]any, []any:
		// nested values are kept as their JSON text
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("expected string: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("expected string")
	}
}

func toInt32(v any) (int32, error) {
	switch t := v.(type) {
	case json.Number:
		return parseInt32(t.String())
	case string:
		return parseInt32(strings.TrimSpace(t))
	case float64:
		return floatToInt32(t)
	case int:
		return int64ToInt32(int64(t))
	case int32:
		return t, nil
	case int64:
		return int64ToInt32(t)
	default:
		return 0, fmt.Errorf("expected integer")
	}
}

func parseInt32(s string) (int32, error) {
	if s == "" {
		return 0, fmt.Errorf("expected integer, got empty string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int64ToInt32(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	return floatToInt32(f)
}

func floatToInt32(f float64) (int32, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integral number")
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("out of int32 range")
	}
	return int32(f), nil
}

func int64ToInt32(n int64) (int32, error) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("out of int32 range")
	}
	return int32(n), nil
}
