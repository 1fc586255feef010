// Package session defines the lifecycle states shared by recording and
// playback sessions.
package session

import (
	"errors"
	"fmt"
)

// ErrInvalidState is matched by every InvalidStateError.
var ErrInvalidState = errors.New("invalid session state")

// State is the lifecycle state of a recording or playback session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateFinished  State = "finished"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// IsValid checks if the state is known.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateRecording, StatePlaying, StatePaused,
		StateStopped, StateFinished, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether a session in this state is holding a broker
// connection.
func (s State) IsActive() bool {
	return s == StateRecording || s == StatePlaying || s == StatePaused
}

// IsTerminal reports whether no transition leaves this state.
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateFinished, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// InvalidStateError is returned when an operation is attempted in a state
// that forbids it. The operation has no side effects.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s session in state %q", e.Op, e.State)
}

// Is makes errors.Is(err, ErrInvalidState) match.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// Invalid returns an InvalidStateError for op in state s.
func Invalid(op string, s State) error {
	return &InvalidStateError{Op: op, State: s}
}
