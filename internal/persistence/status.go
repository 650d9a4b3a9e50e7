package persistence

import (
	"fmt"
	"time"
)

// StatusKind is a task's lifecycle state without time information.
// The integer values are the persisted representation.
type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusSuccess
	StatusFailure
	StatusCanceled
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Terminal reports whether the kind is a final state.
func (k StatusKind) Terminal() bool {
	return k == StatusSuccess || k == StatusFailure || k == StatusCanceled
}

// KindFromInt converts a persisted status ordinal back to a kind.
func KindFromInt(n int) (StatusKind, error) {
	if n < int(StatusPending) || n > int(StatusCanceled) {
		return 0, fmt.Errorf("invalid task status ordinal %d", n)
	}
	return StatusKind(n), nil
}

// TaskStatus is a kind together with its time fields. Success and Failure
// carry both times; Canceled may carry none (canceled before start); Pending
// with a start time means running, without one means queued.
type TaskStatus struct {
	Kind     StatusKind
	Started  *time.Time
	Finished *time.Time
}

// Status promotes a kind to a full status given the recorded times.
func (k StatusKind) Status(started, finished *time.Time) TaskStatus {
	return TaskStatus{Kind: k, Started: started, Finished: finished}
}

// Valid checks the kind/time invariants.
func (s TaskStatus) Valid() bool {
	switch s.Kind {
	case StatusSuccess, StatusFailure:
		return s.Started != nil && s.Finished != nil
	case StatusCanceled:
		return (s.Started == nil) == (s.Finished == nil)
	case StatusPending:
		return s.Finished == nil
	default:
		return false
	}
}
