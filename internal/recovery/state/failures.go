package state

import (
	"errors"
	"fmt"

	"kmpipe/internal/core"
	"kmpipe/internal/dag"
	"kmpipe/internal/gate"
	"kmpipe/internal/manifest"
	"kmpipe/internal/stats"
)

// InputFailureError marks invalid options or configuration detected before
// anything was launched.
type InputFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *InputFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("input failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("input failure: %s", e.Message)
}

func (e *InputFailureError) Unwrap() error { return e.Cause }

// Classify maps a pipeline error onto the failure taxonomy.
func Classify(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var in *InputFailureError
	if errors.As(err, &in) && in != nil {
		return Failure{
			FailureClass: FailureClassInput,
			ErrorCode:    nonEmptyOr(in.Code, "InvalidInput"),
			ErrorMessage: nonEmptyOr(in.Message, in.Error()),
		}, nil
	}

	switch {
	case errors.Is(err, manifest.ErrFormat):
		return Failure{FailureClass: FailureClassInput, ErrorCode: "ManifestFormat", ErrorMessage: err.Error()}, nil
	case errors.Is(err, manifest.ErrNotFound):
		return Failure{FailureClass: FailureClassInput, ErrorCode: "InputNotFound", ErrorMessage: err.Error()}, nil
	case errors.Is(err, gate.ErrNotFound):
		return Failure{FailureClass: FailureClassInput, ErrorCode: "ThresholdFileNotFound", ErrorMessage: err.Error()}, nil
	}

	var pre *core.PreconditionError
	if errors.As(err, &pre) {
		return taskFailure(FailureClassPrecondition, "Precondition", pre.Task, "", err, true), nil
	}

	var crash *core.WorkerCrash
	if errors.As(err, &crash) {
		f := taskFailure(FailureClassExecution, "WorkerCrash", crash.Task, crash.Worker, err, false)
		f.ErrorMessage = fmt.Sprintf("%s received %s", crash.Worker, core.SignalName(crash.Signal))
		return f, nil
	}

	var wf *core.WorkerFailure
	if errors.As(err, &wf) {
		return taskFailure(FailureClassExecution, "WorkerFailure", wf.Task, wf.Worker, err, false), nil
	}

	var to *core.TimeoutError
	if errors.As(err, &to) {
		return taskFailure(FailureClassExecution, "Timeout", to.Task, "", err, true), nil
	}

	var mr *stats.MalformedRecordError
	if errors.As(err, &mr) {
		return Failure{FailureClass: FailureClassExecution, ErrorCode: "MalformedRecord", ErrorMessage: err.Error()}, nil
	}

	var ge *dag.GraphError
	if errors.As(err, &ge) {
		return Failure{FailureClass: FailureClassGraph, ErrorCode: "InvalidGraph", ErrorMessage: err.Error()}, nil
	}
	if errors.Is(err, dag.ErrStalled) {
		return Failure{FailureClass: FailureClassGraph, ErrorCode: "Stalled", ErrorMessage: err.Error()}, nil
	}

	if errors.Is(err, dag.ErrInterrupted) {
		return Failure{FailureClass: FailureClassSystem, ErrorCode: "Interrupted", ErrorMessage: err.Error(), Rerunnable: true}, nil
	}

	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
		Rerunnable:   true,
	}, nil
}

func taskFailure(class FailureClass, code string, id core.TaskID, worker string, err error, rerunnable bool) Failure {
	task := id.String()
	return Failure{
		FailureClass: class,
		Task:         &task,
		Worker:       worker,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
		Rerunnable:   rerunnable,
	}
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
