// Package statemachine implements C2: the pure, deterministic legality check every
// Store write is guarded by. It has no side effects and no dependency on the clock,
// storage, or the network.
package statemachine

import (
	"errors"
	"fmt"
)

// ErrArgument is returned when either side of a transition is the zero value.
var ErrArgument = errors.New("statemachine: nil state")

// ErrTransition is returned when a transition is not legal, including every
// terminal-as-source attempt.
var ErrTransition = errors.New("statemachine: illegal transition")

// State is one of the four OperationState values from spec.md §3.
type State string

const (
	Unknown    State = ""
	Pending    State = "PENDING"
	InProgress State = "IN_PROGRESS"
	Completed  State = "COMPLETED"
	Failed     State = "FAILED"
)

// Terminal reports whether s is a terminal state: no further transitions permitted.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// legal enumerates the only transitions spec.md §4.1 allows:
//
//	PENDING     -> IN_PROGRESS
//	IN_PROGRESS -> COMPLETED
//	IN_PROGRESS -> FAILED
var legal = map[State]map[State]bool{
	Pending:    {InProgress: true},
	InProgress: {Completed: true, Failed: true},
}

// Validate checks whether the transition from -> to is legal. Terminal states are
// always rejected as a source with ErrTransition, regardless of destination. Either
// side being the zero value is rejected with ErrArgument.
func Validate(from, to State) error {
	if from == Unknown || to == Unknown {
		return fmt.Errorf("%w: from=%q to=%q", ErrArgument, from, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal, cannot transition to %s", ErrTransition, from, to)
	}
	if legal[from] == nil || !legal[from][to] {
		return fmt.Errorf("%w: %s -> %s is not a legal transition", ErrTransition, from, to)
	}
	return nil
}
