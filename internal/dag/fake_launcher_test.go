package dag

import (
	"container/heap"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"kmpipe/internal/core"
)

type fakeProc struct {
	pid    int
	done   chan struct{}
	status core.ExitStatus
	once   sync.Once
}

func (p *fakeProc) Pid() int                { return p.pid }
func (p *fakeProc) Done() <-chan struct{}   { return p.done }
func (p *fakeProc) Status() core.ExitStatus { return p.status }
func (p *fakeProc) Kill() error {
	p.exit(core.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGKILL})
	return nil
}
func (p *fakeProc) exit(st core.ExitStatus) { p.once.Do(func() { p.status = st; close(p.done) }) }

// behaviour decides how a fake worker ends.
type behaviour struct {
	delay time.Duration
	exit  core.ExitStatus
	// noArtifact leaves the marker artifact unwritten.
	noArtifact bool
	// hang keeps the process alive until killed.
	hang bool
}

// fakeLauncher simulates workers and checks scheduling invariants at every
// launch.
type fakeLauncher struct {
	t        *testing.T
	capacity int
	caps     map[core.StageTag]int
	behave   func(*core.Task) behaviour

	mu         sync.Mutex
	nextPid    int
	starts     []core.TaskID
	startedAt  map[core.TaskID]time.Time
	exitedAt   map[core.TaskID]time.Time
	completed  map[core.TaskID]bool
	running    map[core.StageTag]int
	maxRunning map[core.StageTag]int
	cost       int
	maxCost    int
	commands   map[core.TaskID]string
	procs      map[core.TaskID]*fakeProc
	violations []string
}

func newFakeLauncher(t *testing.T, capacity int, caps map[core.StageTag]int, behave func(*core.Task) behaviour) *fakeLauncher {
	if behave == nil {
		behave = func(*core.Task) behaviour { return behaviour{delay: time.Millisecond} }
	}
	return &fakeLauncher{
		t:          t,
		capacity:   capacity,
		caps:       caps,
		behave:     behave,
		startedAt:  map[core.TaskID]time.Time{},
		exitedAt:   map[core.TaskID]time.Time{},
		completed:  map[core.TaskID]bool{},
		running:    map[core.StageTag]int{},
		maxRunning: map[core.StageTag]int{},
		commands:   map[core.TaskID]string{},
		procs:      map[core.TaskID]*fakeProc{},
	}
}

func (l *fakeLauncher) Start(t *core.Task) (core.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, dep := range t.DependsOn {
		if !l.completed[dep] {
			l.violations = append(l.violations, fmt.Sprintf("%s started before dependency %s completed", t.ID, dep))
		}
	}
	l.running[t.Stage]++
	if l.running[t.Stage] > l.maxRunning[t.Stage] {
		l.maxRunning[t.Stage] = l.running[t.Stage]
	}
	if c, ok := l.caps[t.Stage]; ok && l.running[t.Stage] > c {
		l.violations = append(l.violations, fmt.Sprintf("stage %s runs %d > cap %d", t.Stage, l.running[t.Stage], c))
	}
	l.cost += t.Cost
	if l.cost > l.maxCost {
		l.maxCost = l.cost
	}
	if l.cost > l.capacity {
		l.violations = append(l.violations, fmt.Sprintf("cost %d > capacity %d", l.cost, l.capacity))
	}

	l.nextPid++
	p := &fakeProc{pid: l.nextPid, done: make(chan struct{})}
	l.starts = append(l.starts, t.ID)
	l.startedAt[t.ID] = time.Now()
	l.commands[t.ID] = t.Command.String()
	l.procs[t.ID] = p

	b := l.behave(t)
	id, stage, cost, artifact := t.ID, t.Stage, t.Cost, t.SyncArtifact
	release := func(st core.ExitStatus) {
		l.mu.Lock()
		l.running[stage]--
		l.cost -= cost
		if st.Success() {
			l.completed[id] = true
		}
		l.exitedAt[id] = time.Now()
		l.mu.Unlock()
		p.exit(st)
	}
	go func() {
		if b.hang {
			<-p.done
			l.mu.Lock()
			l.running[stage]--
			l.cost -= cost
			l.mu.Unlock()
			return
		}
		time.Sleep(b.delay)
		if artifact != "" && !b.noArtifact {
			if err := os.WriteFile(artifact, []byte("ok"), 0o644); err != nil {
				l.t.Errorf("writing artifact %s: %v", artifact, err)
			}
		}
		release(b.exit)
	}()
	return p, nil
}

func (l *fakeLauncher) order() []core.TaskID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.TaskID(nil), l.starts...)
}

func (l *fakeLauncher) checkInvariants(t *testing.T) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.violations {
		t.Errorf("invariant violated: %s", v)
	}
}

func (l *fakeLauncher) proc(id core.TaskID) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[id]
}

// recordingKind counts pre and postprocess calls.
type recordingKind struct {
	name string

	mu   sync.Mutex
	pre  []core.TaskID
	post []core.TaskID

	preErr error
	onPost func(*core.Task)
}

func (k *recordingKind) Name() string { return k.name }

func (k *recordingKind) Preprocess(t *core.Task) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pre = append(k.pre, t.ID)
	return k.preErr
}

func (k *recordingKind) Postprocess(t *core.Task) error {
	k.mu.Lock()
	k.post = append(k.post, t.ID)
	k.mu.Unlock()
	if k.onPost != nil {
		k.onPost(t)
	}
	return nil
}

func task(id core.TaskID, deps ...core.TaskID) *core.Task {
	return &core.Task{
		ID:        id,
		Stage:     id.Stage,
		DependsOn: deps,
		Cost:      1,
		Command:   core.Command{Program: "worker", Args: []string{id.String()}},
	}
}

func writeFile(path string) error {
	return os.WriteFile(path, []byte("ok"), 0o644)
}

func pushItem(f *frontier, it *frontierItem) { heap.Push(f, it) }
func popItem(f *frontier) *frontierItem      { return heap.Pop(f).(*frontierItem) }
