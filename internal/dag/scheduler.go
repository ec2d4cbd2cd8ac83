package dag

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"kmpipe/internal/core"
	"kmpipe/internal/trace"
)

// Config bounds the scheduler.
type Config struct {
	// Capacity is the global resource budget (worker cores).
	Capacity int

	// PollInterval bounds how long the loop sleeps without an event.
	PollInterval time.Duration

	// BlockingPoll is the period used to wait for the marker artifact of a
	// blocking task after its process exited.
	BlockingPoll time.Duration

	// TaskTimeout kills a task that has not completed within this duration.
	// Zero disables the limit.
	TaskTimeout time.Duration

	// FailOnNonZeroExit aborts the run when a worker exits with a non-zero
	// status that is not a fatal signal. When false such exits are logged and
	// completion is decided by the marker artifact alone.
	FailOnNonZeroExit bool

	// BacktracePath and BuildInfoPath are reported in crash diagnostics.
	BacktracePath string
	BuildInfoPath string
}

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultBlockingPoll = time.Second
	killGrace           = 5 * time.Second
)

// ArtifactWatcher wakes the control loop when marker artifacts may have
// appeared. The scheduler still polls, so a watcher is an optimisation.
type ArtifactWatcher interface {
	Watch(path string) error
	Forget(path string)
	C() <-chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for warnings and, when enabled, verbose
// and debug traces.
func WithLogger(l *log.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithVerbose logs every dispatch and completion.
func WithVerbose(v bool) Option { return func(s *Scheduler) { s.verbose = v } }

// WithDebug logs readiness decisions.
func WithDebug(v bool) Option { return func(s *Scheduler) { s.debug = v } }

// WithSink records scheduler events.
func WithSink(sink trace.Sink) Option { return func(s *Scheduler) { s.sink = sink } }

// WithWatcher sets the artifact watcher.
func WithWatcher(w ArtifactWatcher) Option { return func(s *Scheduler) { s.watcher = w } }

// WithDiagnostics sets the writer receiving crash reports.
func WithDiagnostics(w io.Writer) Option { return func(s *Scheduler) { s.diag = w } }

type runningTask struct {
	task    *core.Task
	proc    core.Process
	started time.Time
	command string
	args    []string
}

// Scheduler dispatches registered tasks under a global capacity and
// per-stage caps and supervises their processes.
//
// All scheduling state is mutated by the goroutine calling Run. The mutex
// only guards what other goroutines may observe: the running set (for
// KillAll) and stage counters (for Progress).
type Scheduler struct {
	cfg      Config
	launcher core.Launcher
	sink     trace.Sink
	watcher  ArtifactWatcher
	logger   *log.Logger
	diag     io.Writer
	verbose  bool
	debug    bool

	mu      sync.Mutex
	stages  map[core.StageTag]*stage
	tasks   []*core.Task
	seq     map[core.TaskID]int
	state   ExecutionState
	running map[core.TaskID]*runningTask
	started bool

	pending   []*core.Task
	ready     frontier
	readySeq  int
	satisfied map[core.TaskID]struct{}
	available int
	finished  int
	order     []core.TaskID
	exits     chan core.TaskID
}

// New creates a scheduler that starts workers through launcher.
func New(cfg Config, launcher core.Launcher, opts ...Option) *Scheduler {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BlockingPoll <= 0 {
		cfg.BlockingPoll = defaultBlockingPoll
	}
	s := &Scheduler{
		cfg:      cfg,
		launcher: launcher,
		sink:     trace.NopSink{},
		logger:   log.New(io.Discard, "", 0),
		diag:     os.Stderr,
		stages:   map[core.StageTag]*stage{},
		seq:      map[core.TaskID]int{},
		state:    ExecutionState{},
		running:  map[core.TaskID]*runningTask{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterStage adds a stage and its tasks to the dispatch universe.
func (s *Scheduler) RegisterStage(tag core.StageTag, tasks []*core.Task, concurrencyCap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("registering stage %s: scheduler already started", tag)
	}
	if tag == "" {
		return invalidf("stage tag is required")
	}
	if _, ok := s.stages[tag]; ok {
		return invalidf("duplicate stage: %s", tag)
	}
	if concurrencyCap <= 0 {
		return invalidf("stage %s: concurrency cap must be positive, got %d", tag, concurrencyCap)
	}

	seen := make(map[core.TaskID]struct{}, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return invalidf("stage %s: %v", tag, err)
		}
		if t.Stage != tag {
			return invalidf("task %s registered under stage %s", t.ID, tag)
		}
		if _, dup := s.seq[t.ID]; dup {
			return invalidf("duplicate task id: %s", t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return invalidf("duplicate task id: %s", t.ID)
		}
		if t.Cost > s.cfg.Capacity {
			return invalidf("task %s: cost %d exceeds capacity %d", t.ID, t.Cost, s.cfg.Capacity)
		}
		seen[t.ID] = struct{}{}
	}

	for _, t := range tasks {
		s.seq[t.ID] = len(s.tasks)
		s.tasks = append(s.tasks, t)
		s.state[t.ID] = core.TaskPending
		t.State = core.TaskPending
	}
	s.stages[tag] = &stage{tag: tag, cap: concurrencyCap, total: len(tasks)}
	return nil
}

// TotalTasks returns the number of registered tasks.
func (s *Scheduler) TotalTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Progress returns a snapshot of every stage in tag order.
func (s *Scheduler) Progress() []StageProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageProgress, 0, len(s.stages))
	for _, st := range s.stages {
		out = append(out, st.progress())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

// StateSnapshot returns a copy of the current execution state.
func (s *Scheduler) StateSnapshot() ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(ExecutionState, len(s.state))
	for k, v := range s.state {
		cp[k] = v
	}
	return cp
}

// KillAll kills the process group of every running task. It is safe to call
// from any goroutine, for example a signal handler.
func (s *Scheduler) KillAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.sortedRunningLocked() {
		rt := s.running[id]
		select {
		case <-rt.proc.Done():
			continue
		default:
		}
		if err := rt.proc.Kill(); err != nil {
			s.logger.Printf("kill %s (pid %d): %v", id, rt.proc.Pid(), err)
		}
		trace.SafeRecord(s.sink, trace.Event{
			Kind: trace.EventTaskKilled, Task: id, Worker: rt.task.WorkerName(), Time: time.Now(),
		})
	}
}

// Run validates the registered tasks and drives them to completion.
//
// On a worker crash, a failure, a timeout or cancellation every running
// process is killed before Run returns the error. The returned Result is
// never nil once validation passed.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.validate(); err != nil {
		return nil, err
	}

	begin := time.Now()
	s.pending = append([]*core.Task(nil), s.tasks...)
	s.satisfied = make(map[core.TaskID]struct{}, len(s.tasks))
	s.available = s.cfg.Capacity
	s.exits = make(chan core.TaskID, len(s.tasks))

	tick := time.NewTicker(s.cfg.PollInterval)
	defer tick.Stop()

	for s.finished < len(s.tasks) {
		if ctx.Err() != nil {
			return s.abort(begin, interrupted(ctx))
		}
		if err := s.updateReady(); err != nil {
			return s.abort(begin, err)
		}

		dispatched := 0
		if s.available > 0 && s.ready.Len() > 0 {
			n, err := s.dispatch(ctx)
			dispatched = n
			if err != nil {
				return s.abort(begin, err)
			}
		}

		completed, err := s.collect()
		if err != nil {
			return s.abort(begin, err)
		}
		if s.finished == len(s.tasks) {
			break
		}
		if dispatched > 0 || completed > 0 {
			continue
		}
		if s.runningCount() == 0 {
			return s.abort(begin, s.stallError())
		}
		s.wait(ctx, tick.C)
	}

	return s.result(begin), nil
}

func (s *Scheduler) validate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := buildGraph(s.tasks)
	if err != nil {
		return err
	}
	return g.validateAcyclic()
}

func (s *Scheduler) wait(ctx context.Context, tick <-chan time.Time) {
	var wake <-chan struct{}
	if s.watcher != nil {
		wake = s.watcher.C()
	}
	select {
	case <-ctx.Done():
	case <-s.exits:
	case <-wake:
	case <-tick:
	}
}

// updateReady moves pending tasks whose dependencies are satisfied (and
// whose gate, if any, is available) onto the frontier.
func (s *Scheduler) updateReady() error {
	kept := s.pending[:0]
	for _, t := range s.pending {
		ok, err := s.isReady(t)
		if err != nil {
			return err
		}
		if !ok {
			kept = append(kept, t)
			continue
		}
		heap.Push(&s.ready, &frontierItem{task: t, seq: s.readySeq})
		s.readySeq++
		trace.SafeRecord(s.sink, trace.Event{Kind: trace.EventTaskReady, Task: t.ID, Time: time.Now()})
		if s.debug {
			s.logger.Printf("ready %s", t.ID)
		}
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	return nil
}

func (s *Scheduler) isReady(t *core.Task) (bool, error) {
	for _, dep := range t.DependsOn {
		if _, ok := s.satisfied[dep]; !ok {
			return false, nil
		}
	}
	if t.Gate == nil {
		return true, nil
	}
	v, err := t.Gate.Get()
	if errors.Is(err, core.ErrNotReady) {
		if s.debug {
			s.logger.Printf("%s waits for %s: %v", t.ID, t.GateParam, err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolving %s for %s: %w", t.GateParam, t.ID, err)
	}
	t.Command.Set(t.GateParam, v)
	trace.SafeRecord(s.sink, trace.Event{
		Kind: trace.EventGateResolved, Task: t.ID, Detail: t.GateParam + "=" + v, Time: time.Now(),
	})
	return true, nil
}

// dispatch launches ready tasks. It returns the number of launched tasks.
//
// A quota of capacity/10 slots is reserved for the highest registered stage
// so that downstream work keeps draining while upstream stages flood the
// frontier. The remaining capacity goes to ready tasks in ascending stage
// order; dispatch stops at the first candidate whose stage is at its cap.
func (s *Scheduler) dispatch(ctx context.Context) (int, error) {
	launched := 0

	top := s.topStage()
	if top != nil {
		quota := s.cfg.Capacity/10 - top.running
		if quota > 0 && top.finished < top.total {
			for _, it := range s.ready.largest(quota) {
				if !s.fits(it.task) {
					continue
				}
				s.ready.remove(it)
				if err := s.launch(ctx, it.task); err != nil {
					return launched, err
				}
				launched++
				if it.task.Blocking || s.available == 0 {
					return launched, nil
				}
			}
		}
	}

	for s.available > 0 && s.ready.Len() > 0 {
		it := heap.Pop(&s.ready).(*frontierItem)
		if !s.fits(it.task) {
			heap.Push(&s.ready, it)
			break
		}
		if err := s.launch(ctx, it.task); err != nil {
			return launched, err
		}
		launched++
		if it.task.Blocking {
			break
		}
	}
	return launched, nil
}

func (s *Scheduler) fits(t *core.Task) bool {
	st := s.stages[t.Stage]
	return st.running < st.cap && t.Cost <= s.available
}

func (s *Scheduler) topStage() *stage {
	var top *stage
	for tag, st := range s.stages {
		if top == nil || tag > top.tag {
			top = st
		}
	}
	return top
}

func (s *Scheduler) launch(ctx context.Context, t *core.Task) error {
	if t.Kind != nil {
		if err := t.Kind.Preprocess(t); err != nil {
			return fmt.Errorf("preprocessing %s: %w", t.ID, err)
		}
	}
	args, err := t.Command.Resolve()
	if err != nil {
		return fmt.Errorf("resolving command of %s: %w", t.ID, err)
	}
	proc, err := s.launcher.Start(t)
	if err != nil {
		return fmt.Errorf("launching %s: %w", t.ID, err)
	}

	rt := &runningTask{task: t, proc: proc, started: time.Now(), command: t.Command.String(), args: args}

	s.mu.Lock()
	err = s.setState(t, core.TaskPending, core.TaskRunning)
	s.running[t.ID] = rt
	s.stages[t.Stage].running++
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.available -= t.Cost
	s.order = append(s.order, t.ID)

	if s.watcher != nil && t.SyncArtifact != "" {
		if err := s.watcher.Watch(t.SyncArtifact); err != nil && s.debug {
			s.logger.Printf("watching %s: %v (falling back to polling)", t.SyncArtifact, err)
		}
	}
	go func(id core.TaskID, done <-chan struct{}) {
		<-done
		s.exits <- id
	}(t.ID, proc.Done())

	trace.SafeRecord(s.sink, trace.Event{
		Kind: trace.EventTaskDispatched, Task: t.ID, Worker: t.WorkerName(), Command: rt.command, Time: rt.started,
	})
	if s.verbose {
		s.logger.Printf("start %s (pid %d): %s", t.ID, proc.Pid(), rt.command)
	}

	if t.Blocking {
		return s.waitBlocking(ctx, rt)
	}
	return nil
}

// waitBlocking holds the loop until a blocking task has exited and its
// marker artifact exists. Classification of the exit is left to collect.
func (s *Scheduler) waitBlocking(ctx context.Context, rt *runningTask) error {
	var timeout <-chan time.Time
	if s.cfg.TaskTimeout > 0 {
		timer := time.NewTimer(s.cfg.TaskTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-rt.proc.Done():
	case <-ctx.Done():
		return interrupted(ctx)
	case <-timeout:
		return s.timeout(rt)
	}
	if s.exitError(rt) != nil {
		return nil
	}

	poll := time.NewTicker(s.cfg.BlockingPoll)
	defer poll.Stop()
	for !artifactReady(rt.task) {
		select {
		case <-ctx.Done():
			return interrupted(ctx)
		case <-timeout:
			return s.timeout(rt)
		case <-poll.C:
		}
	}
	return nil
}

// collect observes running tasks. A task completes when its process has
// exited and its marker artifact exists. Abnormal exits are classified
// first so that a crash aborts the run in the cycle it is seen.
func (s *Scheduler) collect() (int, error) {
	s.mu.Lock()
	ids := s.sortedRunningLocked()
	s.mu.Unlock()

	var done []*runningTask
	for _, id := range ids {
		s.mu.Lock()
		rt := s.running[id]
		s.mu.Unlock()

		exited := false
		select {
		case <-rt.proc.Done():
			exited = true
		default:
		}

		if exited {
			if err := s.exitError(rt); err != nil {
				return 0, s.fail(rt, err)
			}
			if artifactReady(rt.task) {
				done = append(done, rt)
				continue
			}
		}
		if s.cfg.TaskTimeout > 0 && time.Since(rt.started) > s.cfg.TaskTimeout {
			return 0, s.timeout(rt)
		}
	}

	for i, rt := range done {
		if err := s.complete(rt); err != nil {
			return i, err
		}
	}
	return len(done), nil
}

func (s *Scheduler) exitError(rt *runningTask) error {
	st := rt.proc.Status()
	switch {
	case st.Signaled && core.IsFatalSignal(st.Signal):
		return &core.WorkerCrash{
			Task:      rt.task.ID,
			Stage:     rt.task.Stage,
			Worker:    rt.task.WorkerName(),
			Signal:    st.Signal,
			Args:      rt.args,
			Backtrace: s.cfg.BacktracePath,
			BuildInfo: s.cfg.BuildInfoPath,
		}
	case st.Success():
		return nil
	case s.cfg.FailOnNonZeroExit:
		return &core.WorkerFailure{
			Task:     rt.task.ID,
			Worker:   rt.task.WorkerName(),
			ExitCode: st.Code,
			LogPath:  rt.task.LogPath,
		}
	default:
		s.logger.Printf("warning: %s exited with %s, waiting for its output", rt.task.ID, st)
		return nil
	}
}

func (s *Scheduler) complete(rt *runningTask) error {
	t := rt.task

	s.mu.Lock()
	err := s.setState(t, core.TaskRunning, core.TaskFinished)
	delete(s.running, t.ID)
	st := s.stages[t.Stage]
	st.running--
	st.finished++
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.available += t.Cost
	s.finished++
	if s.watcher != nil && t.SyncArtifact != "" {
		s.watcher.Forget(t.SyncArtifact)
	}

	trace.SafeRecord(s.sink, trace.Event{
		Kind:    trace.EventTaskFinished,
		Task:    t.ID,
		Worker:  t.WorkerName(),
		Command: rt.command,
		Status:  rt.proc.Status().String(),
		Time:    time.Now(),
	})
	if s.verbose {
		s.logger.Printf("done %s in %s", t.ID, time.Since(rt.started).Round(time.Millisecond))
	}

	if t.Kind != nil {
		if err := t.Kind.Postprocess(t); err != nil {
			return fmt.Errorf("postprocessing %s: %w", t.ID, err)
		}
	}
	s.satisfied[t.ID] = struct{}{}
	return nil
}

// fail marks a task failed and reports err. Crash diagnostics are written
// unconditionally.
func (s *Scheduler) fail(rt *runningTask, err error) error {
	t := rt.task

	s.mu.Lock()
	_ = s.setState(t, core.TaskRunning, core.TaskFailed)
	delete(s.running, t.ID)
	s.stages[t.Stage].running--
	s.mu.Unlock()
	s.available += t.Cost

	kind := trace.EventTaskFailed
	var crash *core.WorkerCrash
	if errors.As(err, &crash) {
		kind = trace.EventTaskCrashed
		fmt.Fprint(s.diag, crash.Diagnostic())
	}
	trace.SafeRecord(s.sink, trace.Event{
		Kind:    kind,
		Task:    t.ID,
		Worker:  t.WorkerName(),
		Command: rt.command,
		Status:  rt.proc.Status().String(),
		Detail:  err.Error(),
		Time:    time.Now(),
	})
	return err
}

func (s *Scheduler) timeout(rt *runningTask) error {
	if err := rt.proc.Kill(); err != nil {
		s.logger.Printf("kill %s: %v", rt.task.ID, err)
	}
	return &core.TimeoutError{Task: rt.task.ID, After: s.cfg.TaskTimeout}
}

// abort kills everything still running, waits briefly for the processes to
// be reaped and returns the partial result with err.
func (s *Scheduler) abort(begin time.Time, err error) (*Result, error) {
	s.KillAll()

	s.mu.Lock()
	procs := make([]core.Process, 0, len(s.running))
	for _, rt := range s.running {
		procs = append(procs, rt.proc)
	}
	s.mu.Unlock()

	deadline := time.After(killGrace)
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-deadline:
			s.logger.Printf("process %d still alive after kill", p.Pid())
			return s.result(begin), err
		}
	}
	return s.result(begin), err
}

func (s *Scheduler) result(begin time.Time) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &Result{
		Order:    append([]core.TaskID(nil), s.order...),
		Finished: make(map[core.StageTag]int, len(s.stages)),
		Elapsed:  time.Since(begin),
	}
	for tag, st := range s.stages {
		r.Finished[tag] = st.finished
	}
	return r
}

func (s *Scheduler) stallError() error {
	var names []string
	for _, it := range s.ready {
		names = append(names, it.task.ID.String())
	}
	for _, t := range s.pending {
		names = append(names, t.ID.String())
	}
	sort.Strings(names)
	return &StallError{Pending: names}
}

func (s *Scheduler) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// setState keeps the task field and the state map in step. Callers hold mu.
func (s *Scheduler) setState(t *core.Task, from, to core.TaskState) error {
	if err := Transition(s.state, t.ID, from, to); err != nil {
		return err
	}
	t.State = to
	return nil
}

func (s *Scheduler) sortedRunningLocked() []core.TaskID {
	ids := make([]core.TaskID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return s.seq[ids[i]] < s.seq[ids[j]] })
	return ids
}

func artifactReady(t *core.Task) bool {
	if t.SyncArtifact == "" {
		return true
	}
	_, err := os.Stat(t.SyncArtifact)
	return err == nil
}

func interrupted(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, cause)
	}
	return ErrInterrupted
}
