package core

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// ErrNotReady is reported by a Gate whose value cannot be computed yet.
var ErrNotReady = errors.New("parameter not ready")

// PreconditionError is returned by a Kind preprocess step when the inputs
// a worker needs are missing or its output would be overwritten.
type PreconditionError struct {
	Task TaskID
	Msg  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for %s: %s", e.Task, e.Msg)
}

// Preconditionf builds a PreconditionError for id.
func Preconditionf(id TaskID, format string, args ...any) error {
	return &PreconditionError{Task: id, Msg: fmt.Sprintf(format, args...)}
}

// WorkerCrash reports a worker terminated by a fatal signal.
type WorkerCrash struct {
	Task      TaskID
	Stage     StageTag
	Worker    string
	Signal    syscall.Signal
	Args      []string
	Backtrace string
	BuildInfo string
}

func (e *WorkerCrash) Error() string {
	return fmt.Sprintf("%s (%s) received %s", e.Worker, e.Task, SignalName(e.Signal))
}

// Diagnostic renders the operator-facing crash report.
func (e *WorkerCrash) Diagnostic() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nSignal %s received from %s with the following arguments:\n", SignalName(e.Signal), e.Worker)
	fmt.Fprintf(&b, "%s.\n", "["+strings.Join(e.Args, ", ")+"]")
	b.WriteString(" All children are killed. Check your inputs.")
	if e.Backtrace != "" || e.BuildInfo != "" {
		fmt.Fprintf(&b, " If the problem persists, please report it with a description of your run and the following files: %s and %s.", e.Backtrace, e.BuildInfo)
	}
	b.WriteString("\n")
	return b.String()
}

// WorkerFailure reports a worker that exited with a non-zero status.
type WorkerFailure struct {
	Task     TaskID
	Worker   string
	ExitCode int
	LogPath  string
}

func (e *WorkerFailure) Error() string {
	msg := fmt.Sprintf("%s (%s) exited with status %d", e.Worker, e.Task, e.ExitCode)
	if e.LogPath != "" {
		msg += ", see " + e.LogPath
	}
	return msg
}

// TimeoutError reports a worker killed after exceeding its time limit.
type TimeoutError struct {
	Task  TaskID
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.Task, e.After)
}
