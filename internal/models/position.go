package models

import "fmt"

// StartKind selects where a partition starts reading.
type StartKind int

const (
	// StartAtOffset reads from an explicit offset.
	StartAtOffset StartKind = iota
	StartEarliest
	StartLatest
)

func (k StartKind) String() string {
	switch k {
	case StartAtOffset:
		return "offset"
	case StartEarliest:
		return "earliest"
	case StartLatest:
		return "latest"
	default:
		return "unknown"
	}
}

// ParseStartKind parses the fallback start names accepted in configuration.
func ParseStartKind(s string) (StartKind, error) {
	switch s {
	case "earliest":
		return StartEarliest, nil
	case "latest":
		return StartLatest, nil
	default:
		return 0, fmt.Errorf("unknown start position %q", s)
	}
}

// Position is the point a partition is opened at.
type Position struct {
	Kind   StartKind
	Offset int64
}

// AtOffset returns a position reading from offset inclusive.
func AtOffset(offset int64) Position {
	return Position{Kind: StartAtOffset, Offset: offset}
}

// Earliest returns a position at the start of the retained log.
func Earliest() Position {
	return Position{Kind: StartEarliest}
}

// Latest returns a position after the last existing message.
func Latest() Position {
	return Position{Kind: StartLatest}
}

func (p Position) String() string {
	if p.Kind == StartAtOffset {
		return fmt.Sprintf("offset %d", p.Offset)
	}
	return p.Kind.String()
}
