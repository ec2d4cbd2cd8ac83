package dag

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"kmpipe/internal/core"
	"kmpipe/internal/trace"
	"kmpipe/internal/watch"
)

func shTask(id core.TaskID, script string, deps ...core.TaskID) *core.Task {
	return &core.Task{
		ID:        id,
		Stage:     id.Stage,
		DependsOn: deps,
		Cost:      1,
		Command:   core.Command{Program: "sh", Args: []string{"-c", script}},
	}
}

func TestSchedulerIntegration_RealProcessesWithWatcher(t *testing.T) {
	dir := t.TempDir()
	w, err := watch.New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Close()

	repart := shTask(core.StageID("R"), "sleep 0.1; mkdir -p "+dir+"/storage && touch "+dir+"/storage/repart")
	repart.SyncArtifact = filepath.Join(dir, "storage", "repart")
	repart.Blocking = true

	var superk []*core.Task
	for i := 0; i < 3; i++ {
		id := core.SampleID("S", i)
		out := filepath.Join(dir, "storage", "superk", id.String())
		tk := shTask(id, "mkdir -p "+filepath.Dir(out)+" && sleep 0.05 && touch "+out, repart.ID)
		tk.SyncArtifact = out
		tk.LogPath = filepath.Join(dir, "logs", id.String()+".log")
		superk = append(superk, tk)
	}

	var cmds bytes.Buffer
	s := New(Config{Capacity: 2, PollInterval: time.Second, FailOnNonZeroExit: true},
		core.NewExecutor(dir), WithWatcher(w), WithSink(trace.NewCommandLog(&cmds)))
	if err := s.RegisterStage("R", []*core.Task{repart}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("S", superk, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Finished["S"] != 3 || res.Finished["R"] != 1 {
		t.Fatalf("unexpected finished counts: %v", res.Finished)
	}
	if got := bytes.Count(cmds.Bytes(), []byte("\n")); got != 4 {
		t.Fatalf("expected 4 command log lines, got %d: %q", got, cmds.String())
	}
}

func TestSchedulerIntegration_SegfaultKillsSiblings(t *testing.T) {
	dir := t.TempDir()
	survivor := filepath.Join(dir, "survived")

	crash := shTask(core.SamplePartitionID("C", 0, 0), "sleep 0.1; kill -SEGV $$")
	crash.Kind = &recordingKind{name: "km_superk_to_kmer_counts"}
	sibling := shTask(core.SamplePartitionID("C", 1, 0), "sleep 2; touch "+survivor)
	merge := shTask(core.PartitionID("M", 0), "true", crash.ID, sibling.ID)

	var diag bytes.Buffer
	s := New(Config{Capacity: 4, PollInterval: 20 * time.Millisecond, FailOnNonZeroExit: true},
		core.NewExecutor(dir), WithDiagnostics(&diag))
	if err := s.RegisterStage("C", []*core.Task{crash, sibling}, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("M", []*core.Task{merge}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	res, err := s.Run(context.Background())
	var wc *core.WorkerCrash
	if !errors.As(err, &wc) || wc.Signal != syscall.SIGSEGV {
		t.Fatalf("expected SIGSEGV crash, got %v", err)
	}
	if time.Since(start) > 1500*time.Millisecond {
		t.Fatalf("abort took too long: %s", time.Since(start))
	}
	for _, id := range res.Order {
		if id == merge.ID {
			t.Fatalf("merge dispatched after crash")
		}
	}
	if !bytes.Contains(diag.Bytes(), []byte("km_superk_to_kmer_counts")) {
		t.Fatalf("diagnostic does not name the worker: %q", diag.String())
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(survivor); err == nil {
		t.Fatalf("sibling process was not killed")
	}
}
