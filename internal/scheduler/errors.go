package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph  = errors.New("invalid task graph")
	ErrCycleDetected = errors.New("cycle detected")
)

// GraphError describes a structural problem found while validating a plan.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

// CycleError is returned when some tasks can never become ready. TaskIDs
// lists every task that could not be placed in a stage, in input order; it
// includes tasks that merely depend on a cycle.
type CycleError struct {
	TaskIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s among tasks: %s", ErrCycleDetected, strings.Join(e.TaskIDs, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }
