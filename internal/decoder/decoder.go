package decoder

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/flowsink/internal/models"
	"github.com/telhawk-systems/flowsink/internal/validator"
)

// ErrMalformedPayload is the single decode failure category.
var ErrMalformedPayload = errors.New("malformed payload")

// DecodeError carries the source position of a payload that failed to decode.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s/%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// Decoder turns raw JSON payloads into EventRecords.
type Decoder struct {
	schema *validator.Schema
	now    func() time.Time
}

// New creates a decoder. A nil clock defaults to time.Now in UTC.
func New(schema *validator.Schema, now func() time.Time) *Decoder {
	if schema == nil {
		schema = validator.NewSchema()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Decoder{schema: schema, now: now}
}

// Decode parses msg.Value as a JSON object and coerces it through the schema.
func (d *Decoder) Decode(msg models.RawMessage) (models.EventRecord, error) {
	fields, err := parseObject(msg.Value)
	if err != nil {
		return models.EventRecord{}, d.fail(msg, err)
	}

	rec, err := d.schema.Coerce(fields)
	if err != nil {
		return models.EventRecord{}, d.fail(msg, err)
	}

	rec.IngestedAt = d.now()
	return rec, nil
}

func (d *Decoder) fail(msg models.RawMessage, err error) error {
	return &DecodeError{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Err:       err,
	}
}

func parseObject(payload []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("payload is not a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return fields, nil
}
