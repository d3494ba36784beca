package instance

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of one test instance.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
	StateTimeout State = "timeout"
	StateSkipped State = "skipped"
	StateNotRun  State = "not_run"
)

// ErrIllegalTransition is returned for transitions outside the lifecycle.
var ErrIllegalTransition = errors.New("illegal state transition")

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateTimeout, StateSkipped, StateNotRun:
		return true
	}
	return false
}

// Successful reports whether s counts as a non-failing outcome.
func (s State) Successful() bool {
	return s == StatePassed || s == StateSkipped
}

var transitions = map[State][]State{
	StatePending: {StateReady, StateSkipped, StateNotRun},
	// Ready → NotRun happens only on run cancellation.
	StateReady: {StateRunning, StateNotRun},
	// Running → Ready is the retry loop.
	StateRunning: {StateReady, StatePassed, StateFailed, StateTimeout, StateNotRun},
}

// CanTransition reports whether from → to is part of the lifecycle.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
