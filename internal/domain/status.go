package domain

import "github.com/cockroachdb/errors"

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusExecuting Status = "EXECUTING"
	StatusRetry     Status = "RETRY"
	StatusExecuted  Status = "EXECUTED"
	StatusCanceled  Status = "CANCELED"
	StatusError     Status = "ERROR"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusScheduled: {StatusExecuting, StatusCanceled},
	StatusExecuting: {StatusScheduled, StatusExecuted, StatusRetry, StatusError},
	StatusRetry:     {StatusExecuting, StatusCanceled},
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCanceled || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusExecuting, StatusRetry, StatusExecuted, StatusCanceled, StatusError:
		return true
	}
	return false
}

// Cancelable reports whether an explicit cancel may move s to CANCELED.
func (s Status) Cancelable() bool {
	return s == StatusScheduled || s == StatusRetry
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TerminalStatuses lists the states that end a job's lifecycle.
func TerminalStatuses() []Status {
	return []Status{StatusExecuted, StatusCanceled, StatusError}
}

// ActiveStatuses lists the states that still own, or may own, a timer.
func ActiveStatuses() []Status {
	return []Status{StatusScheduled, StatusRetry, StatusExecuting}
}
