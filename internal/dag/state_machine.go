package dag

import (
	"fmt"

	"kmpipe/internal/core"
)

// IsTerminal reports whether the state is terminal.
func IsTerminal(s core.TaskState) bool {
	switch s {
	case core.TaskFinished, core.TaskFailed:
		return true
	default:
		return false
	}
}

// Transition performs an atomic validated transition for a single task.
//
// The caller supplies the expected prior state (from) to make races observable.
// This function mutates the provided state map if and only if the transition is valid.
func Transition(state ExecutionState, id core.TaskID, from, to core.TaskState) error {
	cur, ok := state[id]
	if !ok {
		return fmt.Errorf("unknown task in state: %s", id)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %s: expected %s, got %s", id, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %s: %s -> %s", id, from, to)
	}
	state[id] = to
	return nil
}

func isAllowedTransition(from, to core.TaskState) bool {
	switch from {
	case core.TaskPending:
		return to == core.TaskRunning
	case core.TaskRunning:
		return to == core.TaskFinished || to == core.TaskFailed
	default:
		return false
	}
}
