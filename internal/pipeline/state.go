package pipeline

import (
	"sync/atomic"

	"github.com/telhawk-systems/flowsink/internal/metrics"
)

// State is the coordinator lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var transitions = map[State][]State{
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateDraining, StateFailed},
	StateDraining: {StateStopped, StateFailed},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine holds the current state. Illegal transitions are ignored.
type stateMachine struct {
	v        atomic.Int32
	onChange func(from, to State)
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// to moves to next if the move is legal from the current state.
func (m *stateMachine) to(next State) bool {
	for {
		cur := m.load()
		if !allowed(cur, next) {
			return false
		}
		if m.v.CompareAndSwap(int32(cur), int32(next)) {
			metrics.PipelineState.Set(float64(next))
			if m.onChange != nil {
				m.onChange(cur, next)
			}
			return true
		}
	}
}
