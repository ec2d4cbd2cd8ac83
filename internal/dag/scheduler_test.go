package dag

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"syscall"
	"testing"
	"time"

	"kmpipe/internal/core"
	"kmpipe/internal/trace"
)

func fastConfig(capacity int) Config {
	return Config{Capacity: capacity, PollInterval: 5 * time.Millisecond, BlockingPoll: 5 * time.Millisecond, FailOnNonZeroExit: true}
}

// countingPipeline registers super-k, count and merge stages for the given
// number of samples and partitions, with artifacts under dir.
func countingPipeline(t *testing.T, s *Scheduler, dir string, samples, parts int, caps map[core.StageTag]int) {
	t.Helper()
	var superk, count, merge []*core.Task
	for i := 0; i < samples; i++ {
		st := task(core.SampleID("S", i))
		st.SyncArtifact = filepath.Join(dir, st.ID.String())
		superk = append(superk, st)
		for p := 0; p < parts; p++ {
			ct := task(core.SamplePartitionID("C", i, p), st.ID)
			ct.SyncArtifact = filepath.Join(dir, ct.ID.String())
			count = append(count, ct)
		}
	}
	for p := 0; p < parts; p++ {
		var deps []core.TaskID
		for i := 0; i < samples; i++ {
			deps = append(deps, core.SamplePartitionID("C", i, p))
		}
		mt := task(core.PartitionID("M", p), deps...)
		mt.SyncArtifact = filepath.Join(dir, mt.ID.String())
		merge = append(merge, mt)
	}
	for _, reg := range []struct {
		tag   core.StageTag
		tasks []*core.Task
	}{{"S", superk}, {"C", count}, {"M", merge}} {
		if err := s.RegisterStage(reg.tag, reg.tasks, caps[reg.tag]); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestScheduler_DependencyOrderingAndBounds(t *testing.T) {
	dir := t.TempDir()
	caps := map[core.StageTag]int{"S": 1, "C": 3, "M": 2}
	l := newFakeLauncher(t, 4, caps, func(*core.Task) behaviour { return behaviour{delay: 2 * time.Millisecond} })
	s := New(fastConfig(4), l)
	countingPipeline(t, s, dir, 2, 4, caps)

	if got := s.TotalTasks(); got != 2+8+4 {
		t.Fatalf("expected 14 tasks, got %d", got)
	}

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.checkInvariants(t)

	if len(res.Order) != 14 {
		t.Fatalf("expected 14 dispatches, got %d", len(res.Order))
	}
	want := map[core.StageTag]int{"S": 2, "C": 8, "M": 4}
	if !reflect.DeepEqual(res.Finished, want) {
		t.Fatalf("finished mismatch: got %v want %v", res.Finished, want)
	}
	for id, st := range s.StateSnapshot() {
		if st != core.TaskFinished {
			t.Fatalf("task %s ended in %s", id, st)
		}
	}
}

func TestScheduler_MergeWaitsForBothCounts(t *testing.T) {
	dir := t.TempDir()
	caps := map[core.StageTag]int{"S": 2, "C": 8, "M": 4}
	// The count of sample 1 for partition 2 is slow.
	slow := core.SamplePartitionID("C", 1, 2)
	l := newFakeLauncher(t, 8, caps, func(tk *core.Task) behaviour {
		if tk.ID == slow {
			return behaviour{delay: 150 * time.Millisecond}
		}
		return behaviour{delay: time.Millisecond}
	})
	s := New(fastConfig(8), l)
	countingPipeline(t, s, dir, 2, 4, caps)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.checkInvariants(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	mergeStart := l.startedAt[core.PartitionID("M", 2)]
	if mergeStart.Before(l.exitedAt[slow]) {
		t.Fatalf("merge of partition 2 started before its slow count exited")
	}
	// Other merges did not wait for the slow count.
	if l.startedAt[core.PartitionID("M", 0)].After(l.exitedAt[slow]) {
		t.Fatalf("merge of partition 0 waited for an unrelated count")
	}
}

func TestScheduler_QuotaFavoursHighestStage(t *testing.T) {
	dir := t.TempDir()
	caps := map[core.StageTag]int{"A": 10, "B": 10}
	l := newFakeLauncher(t, 10, caps, nil)
	s := New(fastConfig(10), l)

	var a, b []*core.Task
	for i := 0; i < 5; i++ {
		a = append(a, task(core.SampleID("A", i)))
	}
	for i := 0; i < 3; i++ {
		tk := task(core.SampleID("B", i))
		tk.SyncArtifact = filepath.Join(dir, tk.ID.String())
		b = append(b, tk)
	}
	if err := s.RegisterStage("A", a, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("B", b, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order := l.order()
	// capacity/10 = 1 slot for the highest stage, then ascending.
	want := []core.TaskID{core.SampleID("B", 0), core.SampleID("A", 0), core.SampleID("A", 1)}
	if !reflect.DeepEqual(order[:3], want) {
		t.Fatalf("unexpected dispatch prefix: %v", order[:3])
	}
}

func TestScheduler_StopsAtStageCap(t *testing.T) {
	caps := map[core.StageTag]int{"A": 1, "B": 5}
	l := newFakeLauncher(t, 5, caps, func(*core.Task) behaviour { return behaviour{delay: 20 * time.Millisecond} })
	// Capacity 5 leaves no quota, so dispatch is purely ascending.
	s := New(fastConfig(5), l)
	a := []*core.Task{task(core.SampleID("A", 0)), task(core.SampleID("A", 1))}
	b := []*core.Task{task(core.SampleID("B", 0))}
	if err := s.RegisterStage("A", a, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("B", b, 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.checkInvariants(t)

	// A_1 waits for the cap and B_0 queues behind it even though capacity
	// is free.
	want := []core.TaskID{core.SampleID("A", 0), core.SampleID("A", 1), core.SampleID("B", 0)}
	if got := l.order(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected dispatch order: got %v want %v", got, want)
	}
}

func TestScheduler_CompletionNeedsArtifact(t *testing.T) {
	dir := t.TempDir()
	first := task(core.StageID("R"))
	first.SyncArtifact = filepath.Join(dir, "repart")
	second := task(core.SampleID("S", 0), first.ID)

	l := newFakeLauncher(t, 2, nil, func(tk *core.Task) behaviour {
		if tk.ID == first.ID {
			return behaviour{noArtifact: true}
		}
		return behaviour{}
	})
	s := New(fastConfig(2), l)
	if err := s.RegisterStage("R", []*core.Task{first}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("S", []*core.Task{second}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writtenAt := make(chan time.Time, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		writtenAt <- time.Now()
		if err := writeFile(first.SyncArtifact); err != nil {
			t.Errorf("writing artifact: %v", err)
		}
	}()

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	written := <-writtenAt
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startedAt[second.ID].Before(written) {
		t.Fatalf("dependent started before the artifact of its dependency existed")
	}
}

func TestScheduler_BlockingTaskIsABarrier(t *testing.T) {
	env := task(core.StageID("E"))
	env.Blocking = true
	var others []*core.Task
	for i := 0; i < 3; i++ {
		others = append(others, task(core.SampleID("S", i)))
	}

	l := newFakeLauncher(t, 4, nil, func(tk *core.Task) behaviour {
		if tk.ID == env.ID {
			return behaviour{delay: 50 * time.Millisecond}
		}
		return behaviour{delay: time.Millisecond}
	})
	s := New(fastConfig(4), l)
	if err := s.RegisterStage("E", []*core.Task{env}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("S", others, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range others {
		if l.startedAt[o.ID].Before(l.exitedAt[env.ID]) {
			t.Fatalf("%s started while blocking task was running", o.ID)
		}
	}
}

func TestScheduler_PreAndPostprocess(t *testing.T) {
	kind := &recordingKind{name: "km_reads_to_superk"}
	a := task(core.SampleID("S", 0))
	a.Kind = kind
	b := task(core.SampleID("S", 1))
	b.Kind = kind

	rec := trace.NewRecorder()
	s := New(fastConfig(2), newFakeLauncher(t, 2, nil, nil), WithSink(rec))
	if err := s.RegisterStage("S", []*core.Task{a, b}, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kind.pre) != 2 || len(kind.post) != 2 {
		t.Fatalf("expected 2 pre and 2 post calls, got %v / %v", kind.pre, kind.post)
	}
	finished := rec.Kind(trace.EventTaskFinished)
	if len(finished) != 2 || finished[0].Worker != "km_reads_to_superk" || finished[0].Command == "" {
		t.Fatalf("unexpected finished events: %+v", finished)
	}
}

func TestScheduler_PreconditionAborts(t *testing.T) {
	kind := &recordingKind{name: "count", preErr: core.Preconditionf(core.SampleID("C", 0), "superk file missing")}
	tk := task(core.SampleID("C", 0))
	tk.Kind = kind

	l := newFakeLauncher(t, 1, nil, nil)
	s := New(fastConfig(1), l)
	if err := s.RegisterStage("C", []*core.Task{tk}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Run(context.Background())
	var pe *core.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if len(l.order()) != 0 {
		t.Fatalf("no process should have been launched")
	}
}

// counterGate becomes available once enough contributions arrived.
type counterGate struct {
	mu     sync.Mutex
	got    int
	needed int
	calls  int
}

func (g *counterGate) add() {
	g.mu.Lock()
	g.got++
	g.mu.Unlock()
}

func (g *counterGate) Get() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.got < g.needed {
		return "", core.ErrNotReady
	}
	return "thresholds.txt", nil
}

func TestScheduler_GatedTaskWaitsForAllContributions(t *testing.T) {
	gate := &counterGate{needed: 4}
	kind := &recordingKind{name: "count", onPost: func(*core.Task) { gate.add() }}

	var counts []*core.Task
	for p := 0; p < 4; p++ {
		ct := task(core.SamplePartitionID("C", 0, p))
		ct.Kind = kind
		counts = append(counts, ct)
	}
	// The merge depends on the first count only; the gate holds it back
	// until every count contributed.
	merge := task(core.PartitionID("M", 0), counts[0].ID)
	merge.Command.Args = []string{"-abundance-min", "{ab}"}
	merge.Gate = gate
	merge.GateParam = "ab"

	slow := counts[3].ID
	l := newFakeLauncher(t, 4, nil, func(tk *core.Task) behaviour {
		if tk.ID == slow {
			return behaviour{delay: 80 * time.Millisecond}
		}
		return behaviour{delay: time.Millisecond}
	})
	s := New(fastConfig(4), l)
	if err := s.RegisterStage("C", counts, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("M", []*core.Task{merge}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startedAt[merge.ID].Before(l.exitedAt[slow]) {
		t.Fatalf("gated merge started before the last contribution")
	}
	if got := l.commands[merge.ID]; got != "worker -abundance-min thresholds.txt" {
		t.Fatalf("gate value not bound into command: %q", got)
	}
}

func TestScheduler_StallsWhenGateNeverOpens(t *testing.T) {
	gated := task(core.PartitionID("M", 0))
	gated.Gate = &counterGate{needed: 1}
	gated.GateParam = "ab"

	s := New(fastConfig(1), newFakeLauncher(t, 1, nil, nil))
	if err := s.RegisterStage("M", []*core.Task{gated}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
}

func TestScheduler_CrashKillsEverything(t *testing.T) {
	dir := t.TempDir()
	crashing := core.SamplePartitionID("C", 0, 1)
	l := newFakeLauncher(t, 8, nil, func(tk *core.Task) behaviour {
		switch {
		case tk.ID == crashing:
			return behaviour{delay: 20 * time.Millisecond, exit: core.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGSEGV}, noArtifact: true}
		case tk.Stage == "C":
			return behaviour{hang: true}
		default:
			return behaviour{delay: time.Millisecond}
		}
	})

	var diag bytes.Buffer
	rec := trace.NewRecorder()
	cfg := fastConfig(8)
	cfg.BacktracePath = "./km_backtrace/backtrace.log"
	cfg.BuildInfoPath = "build_infos.txt"
	s := New(cfg, l, WithDiagnostics(&diag), WithSink(rec))

	kind := &recordingKind{name: "km_superk_to_kmer_counts"}
	caps := map[core.StageTag]int{"S": 2, "C": 8, "M": 4}
	countingPipeline(t, s, dir, 2, 4, caps)
	for _, tk := range s.tasks {
		if tk.Stage == "C" {
			tk.Kind = kind
		}
	}

	_, err := s.Run(context.Background())
	var crash *core.WorkerCrash
	if !errors.As(err, &crash) {
		t.Fatalf("expected WorkerCrash, got %v", err)
	}
	if crash.Worker != "km_superk_to_kmer_counts" || crash.Signal != syscall.SIGSEGV || crash.Task != crashing {
		t.Fatalf("unexpected crash: %+v", crash)
	}
	if !bytes.Contains(diag.Bytes(), []byte("Signal SIGSEGV received from km_superk_to_kmer_counts")) {
		t.Fatalf("diagnostic missing: %q", diag.String())
	}
	if !bytes.Contains(diag.Bytes(), []byte("./km_backtrace/backtrace.log")) {
		t.Fatalf("diagnostic lacks backtrace pointer: %q", diag.String())
	}

	for _, id := range l.order() {
		if id.Stage == "M" {
			t.Fatalf("merge %s dispatched after a crash", id)
		}
		p := l.proc(id)
		select {
		case <-p.Done():
		default:
			t.Fatalf("process of %s still running after abort", id)
		}
	}
	if len(rec.Kind(trace.EventTaskKilled)) == 0 {
		t.Fatalf("expected kill events")
	}
	if s.StateSnapshot()[crashing] != core.TaskFailed {
		t.Fatalf("crashing task should be FAILED")
	}
}

func TestScheduler_NonZeroExit(t *testing.T) {
	build := func(failOnExit bool) (*Scheduler, *core.Task) {
		tk := task(core.StageID("R"))
		tk.SyncArtifact = filepath.Join(t.TempDir(), "out")
		l := newFakeLauncher(t, 1, nil, func(*core.Task) behaviour {
			return behaviour{exit: core.ExitStatus{Code: 2}}
		})
		cfg := fastConfig(1)
		cfg.FailOnNonZeroExit = failOnExit
		s := New(cfg, l)
		if err := s.RegisterStage("R", []*core.Task{tk}, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return s, tk
	}

	s, _ := build(true)
	_, err := s.Run(context.Background())
	var wf *core.WorkerFailure
	if !errors.As(err, &wf) || wf.ExitCode != 2 {
		t.Fatalf("expected WorkerFailure with code 2, got %v", err)
	}

	// Without the strict policy the artifact decides.
	s, _ = build(false)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScheduler_InterruptKillsRunning(t *testing.T) {
	l := newFakeLauncher(t, 2, nil, func(*core.Task) behaviour { return behaviour{hang: true} })
	s := New(fastConfig(2), l)
	if err := s.RegisterStage("C", []*core.Task{task(core.SampleID("C", 0)), task(core.SampleID("C", 1))}, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := s.Run(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	for _, id := range l.order() {
		select {
		case <-l.proc(id).Done():
		default:
			t.Fatalf("process of %s not killed", id)
		}
	}
}

func TestScheduler_Timeout(t *testing.T) {
	l := newFakeLauncher(t, 1, nil, func(*core.Task) behaviour { return behaviour{hang: true} })
	cfg := fastConfig(1)
	cfg.TaskTimeout = 30 * time.Millisecond
	s := New(cfg, l)
	if err := s.RegisterStage("M", []*core.Task{task(core.PartitionID("M", 0))}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := s.Run(context.Background())
	var te *core.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestScheduler_RegisterStageRejects(t *testing.T) {
	s := New(fastConfig(2), newFakeLauncher(t, 2, nil, nil))
	if err := s.RegisterStage("S", []*core.Task{task(core.SampleID("S", 0))}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]func() error{
		"duplicate stage": func() error { return s.RegisterStage("S", nil, 1) },
		"zero cap":        func() error { return s.RegisterStage("C", nil, 0) },
		"duplicate task":  func() error { return s.RegisterStage("C", []*core.Task{task(core.SampleID("S", 0))}, 1) },
		"wrong stage":     func() error { return s.RegisterStage("M", []*core.Task{task(core.SampleID("C", 0))}, 1) },
		"cost too high": func() error {
			tk := task(core.SampleID("B", 0))
			tk.Cost = 3
			return s.RegisterStage("B", []*core.Task{tk}, 1)
		},
	}
	for name, fn := range cases {
		err := fn()
		if !errors.Is(err, ErrInvalidGraph) {
			t.Fatalf("%s: expected ErrInvalidGraph, got %v", name, err)
		}
	}
}

func TestScheduler_ValidationBeforeLaunch(t *testing.T) {
	unknown := New(fastConfig(1), newFakeLauncher(t, 1, nil, nil))
	if err := unknown.RegisterStage("M", []*core.Task{task(core.PartitionID("M", 0), core.SamplePartitionID("C", 0, 0))}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := unknown.Run(context.Background()); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}

	l := newFakeLauncher(t, 1, nil, nil)
	cyclic := New(fastConfig(1), l)
	a := task(core.SampleID("A", 0), core.SampleID("A", 1))
	b := task(core.SampleID("A", 1), core.SampleID("A", 0))
	if err := cyclic.RegisterStage("A", []*core.Task{a, b}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := cyclic.Run(context.Background())
	if !errors.Is(err, ErrCycleFound) {
		t.Fatalf("expected ErrCycleFound, got %v", err)
	}
	if len(l.order()) != 0 {
		t.Fatalf("nothing should launch for an invalid graph")
	}
}

func TestScheduler_RunTwice(t *testing.T) {
	s := New(fastConfig(1), newFakeLauncher(t, 1, nil, nil))
	if err := s.RegisterStage("S", []*core.Task{task(core.SampleID("S", 0))}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected error on second run")
	}
	if err := s.RegisterStage("C", nil, 1); err == nil {
		t.Fatalf("expected error registering after run")
	}
}

func TestScheduler_Progress(t *testing.T) {
	s := New(fastConfig(2), newFakeLauncher(t, 2, nil, nil))
	if err := s.RegisterStage("S", []*core.Task{task(core.SampleID("S", 0)), task(core.SampleID("S", 1))}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RegisterStage("R", []*core.Task{task(core.StageID("R"))}, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := s.Progress()
	if len(before) != 2 || before[0].Stage != "R" || before[1].Total != 2 {
		t.Fatalf("unexpected progress: %+v", before)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range s.Progress() {
		if p.Finished != p.Total || p.Running != 0 {
			t.Fatalf("stage %s not drained: %+v", p.Stage, p)
		}
	}
}
