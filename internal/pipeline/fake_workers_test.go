package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"kmpipe/internal/core"
)

type doneProc struct {
	done   chan struct{}
	status core.ExitStatus
}

func (p *doneProc) Pid() int                { return 4242 }
func (p *doneProc) Done() <-chan struct{}   { return p.done }
func (p *doneProc) Status() core.ExitStatus { return p.status }
func (p *doneProc) Kill() error             { return nil }

// fakeWorkers stands in for the worker binaries: each start produces the
// files the real worker would and exits at once.
type fakeWorkers struct {
	mu         sync.Mutex
	layout     Layout
	partitions int
	hist       string
	crash      map[core.TaskID]syscall.Signal
	started    []core.TaskID
	commands   map[core.TaskID]string
}

func newFakeWorkers(layout Layout, partitions int) *fakeWorkers {
	return &fakeWorkers{
		layout:     layout,
		partitions: partitions,
		hist:       "@LOWER=1\n@UPPER=3\n@UNIQUE=10\n@TOTAL=16\n1 5 5\n2 3 6\n3 2 6\n",
		crash:      map[core.TaskID]syscall.Signal{},
		commands:   map[core.TaskID]string{},
	}
}

func argValue(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeWorkers) Start(t *core.Task) (core.Process, error) {
	args, err := t.Command.Resolve()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.started = append(f.started, t.ID)
	f.commands[t.ID] = t.Command.String()
	sig, crash := f.crash[t.ID]
	f.mu.Unlock()

	p := &doneProc{done: make(chan struct{})}
	defer close(p.done)
	if crash {
		p.status = core.ExitStatus{Code: -1, Signaled: true, Signal: sig}
		return p, nil
	}
	if t.Command.Program == "true" {
		return p, nil
	}
	if err := f.produce(t, args); err != nil {
		return nil, err
	}
	return p, nil
}

func (f *fakeWorkers) produce(t *core.Task, args []string) error {
	l := f.layout
	switch t.Stage {
	case StageConfiguration:
		for p := 0; p < f.partitions; p++ {
			if err := os.MkdirAll(l.PartitionDir(p), 0o755); err != nil {
				return err
			}
		}
		return os.MkdirAll(l.Logs(), 0o755)
	case StageRepartition:
		return write(l.RepartFile(), "repart")
	case StageSuperk:
		return write(l.SuperkFile(argValue(args, "-id")), "superk")
	case StageCount:
		sample := argValue(args, "-file")
		part, err := strconv.Atoi(argValue(args, "-part-id"))
		if err != nil {
			return err
		}
		out := l.KmerFile(part, sample, argValue(args, "-lz4") == "1")
		if argValue(args, "-vec-only") == "1" {
			out = l.VecFile(part, sample, argValue(args, "-lz4") == "1")
		}
		if argValue(args, "-hist") == "1" {
			if err := write(l.HistFile(part, sample), f.hist); err != nil {
				return err
			}
		}
		return write(out, "kmers")
	case StageMerge:
		return write(filepath.Join(l.MatrixDir(), "matrix_"+argValue(args, "-part-id")), "matrix")
	case StageSplit:
		return os.MkdirAll(filepath.Join(l.MatrixDir(), "howde_tmp"), 0o755)
	case StageSplitCount:
		return nil
	}
	return fmt.Errorf("unexpected stage %s", t.Stage)
}

func (f *fakeWorkers) startedIn(stage core.StageTag) []core.TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.TaskID
	for _, id := range f.started {
		if id.Stage == stage {
			out = append(out, id)
		}
	}
	return out
}

func write(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}
