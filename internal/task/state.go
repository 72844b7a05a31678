package task

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Task.
type State uint8

const (
	Created State = iota
	Queued
	Armed
	Executing

	// Every state past Executing is an ending state.

	Succeeded
	TimedOut
	Interrupted
	Cancelled
	SoftlyCancelled
	Failed
	ClearedFromQueue
	Redundant
	NoOp
)

var stateNames = [...]string{
	"CREATED", "QUEUED", "ARMED", "EXECUTING",
	"SUCCEEDED", "TIMED_OUT", "INTERRUPTED", "CANCELLED", "SOFTLY_CANCELLED",
	"FAILED", "CLEARED_FROM_QUEUE", "REDUNDANT", "NO_OP",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// IsEndingState reports whether s is terminal.
func (s State) IsEndingState() bool { return s > Executing }

// ErrInvalidTransition is returned for lifecycle moves the state machine forbids.
var ErrInvalidTransition = errors.New("invalid task state transition")

// CanTransition reports whether a task may move from one state to another.
// Non-terminal progression is strictly linear; an ending state is final except
// for the INTERRUPTED re-queue and SUCCEEDED to SOFTLY_CANCELLED.
func CanTransition(from, to State) bool {
	switch {
	case from == Interrupted:
		return to == Queued
	case from == Succeeded:
		return to == SoftlyCancelled
	case from.IsEndingState():
		return false
	case to.IsEndingState():
		return from != Created || to == Cancelled
	default:
		return to == from+1
	}
}
