package dag

import "kmpipe/internal/core"

// ExecutionState maps every registered task to its current state.
//
// It is owned by the control loop; readers outside the loop get snapshots.
type ExecutionState map[core.TaskID]core.TaskState

// StageProgress is a point-in-time view of one registered stage.
type StageProgress struct {
	Stage    core.StageTag
	Cap      int
	Total    int
	Running  int
	Finished int
}

type stage struct {
	tag      core.StageTag
	cap      int
	total    int
	running  int
	finished int
}

func (s *stage) progress() StageProgress {
	return StageProgress{Stage: s.tag, Cap: s.cap, Total: s.total, Running: s.running, Finished: s.finished}
}
