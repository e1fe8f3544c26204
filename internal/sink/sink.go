package sink

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/telhawk-systems/flowsink/internal/models"
)

// Writer appends a closed batch to the analytical store as one unit.
type Writer interface {
	Write(ctx context.Context, batch *models.Batch) error
	Close() error
}

// Kind classifies sink failures.
type Kind int

const (
	ConnectionFailure Kind = iota
	ConstraintViolation
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailure:
		return "connection_failure"
	case ConstraintViolation:
		return "constraint_violation"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified sink failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether writing the same batch again can succeed.
func (e *Error) Retryable() bool {
	return e.Kind != ConstraintViolation
}

var (
	// ErrRetriesExhausted is returned once the retry budget for a batch is spent.
	ErrRetriesExhausted = errors.New("sink retries exhausted")

	// ErrAborted is returned when the write context ends before the batch lands.
	ErrAborted = errors.New("sink write aborted")
)

// KindOf returns the kind of a classified error chain.
func KindOf(err error) (Kind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsConstraintViolation reports whether err is a permanent rejection by the store.
func IsConstraintViolation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == ConstraintViolation
}

// ClickHouse server error codes that describe a transient or environmental
// condition rather than bad data.
var transientCodes = map[int32]Kind{
	16:  ConnectionFailure, // NO_SUCH_COLUMN_IN_TABLE
	60:  ConnectionFailure, // UNKNOWN_TABLE
	81:  ConnectionFailure, // UNKNOWN_DATABASE
	159: Timeout,           // TIMEOUT_EXCEEDED
	164: ConnectionFailure, // READONLY
	202: ConnectionFailure, // TOO_MANY_SIMULTANEOUS_QUERIES
	209: Timeout,           // SOCKET_TIMEOUT
	210: ConnectionFailure, // NETWORK_ERROR
	242: ConnectionFailure, // TABLE_IS_READ_ONLY
	252: ConnectionFailure, // TOO_MANY_PARTS
	319: ConnectionFailure, // UNKNOWN_STATUS_OF_INSERT
	497: ConnectionFailure, // ACCESS_DENIED
	516: ConnectionFailure, // AUTHENTICATION_FAILED
	999: ConnectionFailure, // KEEPER_EXCEPTION
}

// Classify maps a driver error onto the sink error taxonomy.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var se *Error
	if errors.As(err, &se) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: Timeout, Err: err}
	}

	var ex *clickhouse.Exception
	if errors.As(err, &ex) {
		if kind, ok := transientCodes[ex.Code]; ok {
			return &Error{Kind: kind, Err: err}
		}
		return &Error{Kind: ConstraintViolation, Err: err}
	}

	return &Error{Kind: ConnectionFailure, Err: err}
}
