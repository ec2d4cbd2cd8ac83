package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run is the persistent record of one pipeline invocation.
type Run struct {
	RunID     string     `json:"run_id"`
	Command   string     `json:"command"`
	Args      []string   `json:"args"`
	RunDir    string     `json:"run_dir"`
	Manifest  string     `json:"manifest"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Status    RunStatus  `json:"status"`

	// Finished counts completed tasks per stage tag once the run ended.
	Finished map[string]int `json:"finished,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if strings.TrimSpace(r.RunDir) == "" {
		errs = append(errs, errors.New("run_dir is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("end_time must be null while running"))
		}
	case RunStatusSucceeded, RunStatusFailed, RunStatusInterrupted:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("end_time is required for status %q", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureClassInput covers malformed manifests, missing inputs and
	// invalid options: nothing was launched.
	FailureClassInput FailureClass = "input"
	// FailureClassGraph covers an invalid or stalled task graph.
	FailureClassGraph FailureClass = "graph"
	// FailureClassPrecondition covers missing upstream artifacts at dispatch.
	FailureClassPrecondition FailureClass = "precondition"
	// FailureClassExecution covers worker crashes, failures and timeouts.
	FailureClassExecution FailureClass = "execution"
	// FailureClassSystem covers interrupts and everything unclassified.
	FailureClassSystem FailureClass = "system"
)

// Failure is the recorded reason a run stopped.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Task         *string      `json:"task,omitempty"`
	Worker       string       `json:"worker,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	// Rerunnable tells whether rerunning over the same directory may
	// succeed without changing inputs.
	Rerunnable bool `json:"rerunnable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassInput, FailureClassGraph, FailureClassPrecondition, FailureClassExecution, FailureClassSystem:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Task != nil && strings.TrimSpace(*f.Task) == "" {
		errs = append(errs, errors.New("task must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
