package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph = errors.New("invalid task graph")
	ErrCycleFound   = errors.New("cycle detected")

	// ErrStalled is returned when tasks remain pending but nothing is
	// running and nothing can become ready.
	ErrStalled = errors.New("scheduler stalled")

	// ErrInterrupted is returned when the run is cancelled from outside.
	ErrInterrupted = errors.New("run interrupted")
)

// GraphError wraps deterministic graph validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg}
}

// StallError reports the tasks left pending when the scheduler stalled.
type StallError struct {
	Pending []string
}

func (e *StallError) Error() string {
	const show = 8
	names := e.Pending
	more := ""
	if len(names) > show {
		more = fmt.Sprintf(" (+%d more)", len(names)-show)
		names = names[:show]
	}
	return fmt.Sprintf("%s: %d task(s) can never run: %s%s", ErrStalled, len(e.Pending), strings.Join(names, ", "), more)
}

func (e *StallError) Unwrap() error { return ErrStalled }
