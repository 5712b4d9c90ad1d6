// Package pipeline sequences the generation stages, reports progress and
// applies the cancellation and degradation policy.
package pipeline

import (
	"errors"
	"fmt"
)

// State is a node of the run state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateClustering   State = "clustering"
	StateSolving      State = "solving"
	StateRefining     State = "refining"
	StateRepairing    State = "repairing"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

var forward = map[State]State{
	StateInitializing: StateClustering,
	StateClustering:   StateSolving,
	StateSolving:      StateRefining,
	StateRefining:     StateRepairing,
	StateRepairing:    StateFinalizing,
	StateFinalizing:   StateCompleted,
}

// progressBand is the percent range a state covers.
var progressBand = map[State][2]float64{
	StateInitializing: {0, 5},
	StateClustering:   {5, 15},
	StateSolving:      {15, 55},
	StateRefining:     {55, 80},
	StateRepairing:    {80, 95},
	StateFinalizing:   {95, 100},
	StateCompleted:    {100, 100},
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is allowed. Failed and Cancelled
// are reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	return forward[from] == to
}

// ErrorKind classifies a fatal pipeline outcome.
type ErrorKind string

const (
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindCancelled          ErrorKind = "cancelled"
	KindInvariantViolation ErrorKind = "invariant_violation"
)

// PipelineError is the structured reason a run did not complete.
type PipelineError struct {
	Kind      ErrorKind
	LastStage State
	Stats     Stats
	Err       error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("pipeline %s after %s", e.Kind, e.LastStage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the pipeline error kind, or "" for other errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
