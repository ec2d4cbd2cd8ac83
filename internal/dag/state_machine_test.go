package dag

import (
	"testing"

	"kmpipe/internal/core"
)

func TestStateMachine_Transitions_ValidAndInvalid(t *testing.T) {
	a := core.SampleID("S", 0)
	state := ExecutionState{a: core.TaskPending}

	if err := Transition(state, a, core.TaskPending, core.TaskRunning); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
	if err := Transition(state, a, core.TaskRunning, core.TaskFinished); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}

	// Terminal -> RUNNING is forbidden.
	if err := Transition(state, a, core.TaskFinished, core.TaskRunning); err == nil {
		t.Fatalf("expected error")
	}

	// FAILED -> RUNNING is forbidden.
	state[a] = core.TaskFailed
	if err := Transition(state, a, core.TaskFailed, core.TaskRunning); err == nil {
		t.Fatalf("expected error")
	}

	// PENDING -> FINISHED skips RUNNING.
	b := core.SampleID("S", 1)
	state[b] = core.TaskPending
	if err := Transition(state, b, core.TaskPending, core.TaskFinished); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStateMachine_ExpectedStateMismatch(t *testing.T) {
	a := core.StageID("R")
	state := ExecutionState{a: core.TaskRunning}
	if err := Transition(state, a, core.TaskPending, core.TaskRunning); err == nil {
		t.Fatalf("expected error")
	}
	if state[a] != core.TaskRunning {
		t.Fatalf("state must be unchanged on error, got %s", state[a])
	}
	if err := Transition(state, core.StageID("E"), core.TaskPending, core.TaskRunning); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[core.TaskState]bool{
		core.TaskPending:  false,
		core.TaskRunning:  false,
		core.TaskFinished: true,
		core.TaskFailed:   true,
	}
	for st, want := range cases {
		if IsTerminal(st) != want {
			t.Fatalf("IsTerminal(%s) = %v", st, !want)
		}
	}
}
