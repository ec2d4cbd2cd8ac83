package core

import (
	"fmt"
	"strconv"
)

// StageTag names a pipeline stage. Tags compare lexicographically and that
// order is the dispatch priority used by the scheduler.
type StageTag string

func (t StageTag) String() string { return string(t) }

// TaskID is the opaque, comparable identity of a task.
//
// Sample and Partition are -1 when the dimension does not apply to the stage.
type TaskID struct {
	Stage     StageTag
	Sample    int
	Partition int
}

// StageID identifies the single task of a stage that has no per-sample or
// per-partition dimension (configuration, repartition, split).
func StageID(stage StageTag) TaskID {
	return TaskID{Stage: stage, Sample: -1, Partition: -1}
}

// SampleID identifies a per-sample task.
func SampleID(stage StageTag, sample int) TaskID {
	return TaskID{Stage: stage, Sample: sample, Partition: -1}
}

// PartitionID identifies a per-partition task.
func PartitionID(stage StageTag, partition int) TaskID {
	return TaskID{Stage: stage, Sample: -1, Partition: partition}
}

// SamplePartitionID identifies a task bound to one sample and one partition.
func SamplePartitionID(stage StageTag, sample, partition int) TaskID {
	return TaskID{Stage: stage, Sample: sample, Partition: partition}
}

func (id TaskID) String() string {
	s := string(id.Stage)
	if id.Sample >= 0 {
		s += "_" + strconv.Itoa(id.Sample)
	}
	if id.Partition >= 0 {
		s += "_p" + strconv.Itoa(id.Partition)
	}
	return s
}

// TaskState is the scheduler-owned lifecycle state of a task.
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskRunning  TaskState = "RUNNING"
	TaskFinished TaskState = "FINISHED"
	TaskFailed   TaskState = "FAILED"
)

// Kind is the stage-specific strategy attached to a task.
//
// Preprocess runs right before launch and may rewrite the task command (for
// example to short-circuit work whose output already exists). Postprocess runs
// after completion has been observed and before dependents are unblocked.
type Kind interface {
	// Name is the worker program name used in diagnostics.
	Name() string
	Preprocess(t *Task) error
	Postprocess(t *Task) error
}

// Gate is a lazily computed parameter that must be available before a task
// may be dispatched. Get returns an error matching ErrNotReady while the
// value cannot be computed yet.
type Gate interface {
	Get() (string, error)
}

// Task represents one external-process invocation tracked by the scheduler.
type Task struct {
	ID    TaskID
	Stage StageTag

	// DependsOn lists the tasks that must have finished before this one runs.
	DependsOn []TaskID

	// Cost is subtracted from the global capacity while the task runs.
	Cost int

	// SyncArtifact, when set, must exist on disk for the task to be complete.
	SyncArtifact string

	Command Command

	// LogPath receives stdout and stderr of the worker. Empty inherits them.
	LogPath string

	// Blocking tasks are waited for synchronously: nothing else is dispatched
	// until they complete.
	Blocking bool

	// Gate, when set, additionally gates readiness. The gate value is bound
	// to Command.Params[GateParam] on the first ready observation.
	Gate      Gate
	GateParam string

	Kind Kind

	State TaskState
}

// Less orders tasks by stage tag.
func (t *Task) Less(o *Task) bool { return t.Stage < o.Stage }

// WorkerName returns the diagnostic name of the worker program.
func (t *Task) WorkerName() string {
	if t.Kind != nil {
		return t.Kind.Name()
	}
	return t.Command.Program
}

// Validate checks the fields the scheduler relies on.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	if t.ID.Stage == "" {
		return fmt.Errorf("task id stage is required")
	}
	if t.Stage != t.ID.Stage {
		return fmt.Errorf("task %s: stage %q does not match id", t.ID, t.Stage)
	}
	if t.Cost < 0 {
		return fmt.Errorf("task %s: negative cost %d", t.ID, t.Cost)
	}
	if t.Command.Program == "" {
		return fmt.Errorf("task %s: command program is required", t.ID)
	}
	if t.Gate != nil && t.GateParam == "" {
		return fmt.Errorf("task %s: gated task needs a parameter name", t.ID)
	}
	return nil
}
