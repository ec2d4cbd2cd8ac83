package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kmpipe/internal/core"
	"kmpipe/internal/dag"
	"kmpipe/internal/gate"
	"kmpipe/internal/manifest"
	"kmpipe/internal/stats"
	"kmpipe/internal/trace"
	"kmpipe/internal/watch"
)

// BacktraceDir is where workers drop their crash backtraces, relative to
// the working directory.
const BacktraceDir = "km_backtrace"

// Report summarises a pipeline run.
type Report struct {
	Plan    *Plan
	Result  *dag.Result
	Elapsed time.Duration

	// Thresholds are the derived merge thresholds, when computed.
	Thresholds []int
}

// Driver runs the pipeline: the configuration phase, then every planned
// stage through one scheduler.
type Driver struct {
	opts     Options
	layout   Layout
	launcher core.Launcher
	logger   *log.Logger
	out      io.Writer
	sinks    []trace.Sink
	verbose  bool
	debug    bool
	poll     time.Duration

	mu    sync.Mutex
	sched *dag.Scheduler
}

type DriverOption func(*Driver)

// WithLauncher replaces the OS process launcher.
func WithLauncher(l core.Launcher) DriverOption { return func(d *Driver) { d.launcher = l } }

func WithLogger(l *log.Logger) DriverOption { return func(d *Driver) { d.logger = l } }

// WithOutput sets the writer for the progress line and crash reports.
func WithOutput(w io.Writer) DriverOption { return func(d *Driver) { d.out = w } }

// WithSink adds an event sink to every scheduler the driver creates.
func WithSink(s trace.Sink) DriverOption { return func(d *Driver) { d.sinks = append(d.sinks, s) } }

func WithVerbose(v bool) DriverOption { return func(d *Driver) { d.verbose = v } }

func WithDebug(v bool) DriverOption { return func(d *Driver) { d.debug = v } }

// WithPollInterval bounds the scheduler wait between events.
func WithPollInterval(p time.Duration) DriverOption { return func(d *Driver) { d.poll = p } }

// NewDriver validates opts and builds a driver.
func NewDriver(opts Options, options ...DriverOption) (*Driver, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	exec := core.NewExecutor("")
	exec.Stdout, exec.Stderr = os.Stdout, os.Stderr
	d := &Driver{
		opts:     opts,
		layout:   Layout{Root: opts.RunDir},
		launcher: exec,
		logger:   log.New(os.Stderr, "[pipeline] ", log.LstdFlags),
		out:      os.Stderr,
	}
	for _, o := range options {
		o(d)
	}
	return d, nil
}

func (d *Driver) Layout() Layout { return d.layout }

// Progress returns the stage counters of the scheduler currently running,
// or nil between phases.
func (d *Driver) Progress() []dag.StageProgress {
	d.mu.Lock()
	s := d.sched
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Progress()
}

// KillAll kills every worker of the current phase.
func (d *Driver) KillAll() {
	d.mu.Lock()
	s := d.sched
	d.mu.Unlock()
	if s != nil {
		s.KillAll()
	}
}

// Configure runs the configuration worker alone, building the run
// directory.
func (d *Driver) Configure(ctx context.Context) error {
	p := &Planner{Options: d.opts, Layout: d.layout, Logger: d.logger}
	_, err := d.runStages(ctx, []StagePlan{{
		Tag:   StageConfiguration,
		Cap:   1,
		Tasks: []*core.Task{p.ConfigurationTask()},
	}}, nil)
	return err
}

// Run executes the pipeline and prints the progress line and total time.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	begin := time.Now()
	report := &Report{}

	// Input errors surface before any worker starts.
	src, err := manifest.Parse(d.opts.Manifest, d.opts.CountAbundanceMin)
	if err != nil {
		return report, err
	}
	var param *gate.Parameter
	if d.opts.mergeGated() && !d.opts.fractionalMerge() {
		param, err = gate.New(d.opts.MergeAbundanceMin, nil, "")
		if err != nil {
			return report, fmt.Errorf("merge abundance: %w", err)
		}
	}

	if d.opts.Only == StepAll {
		if err := d.Configure(ctx); err != nil {
			return report, d.finish(err)
		}
	}

	partitions := d.opts.Partitions
	if partitions == 0 {
		n, err := countPartitions(d.layout.KmerDir())
		if err != nil {
			return report, core.Preconditionf(core.StageID(StageConfiguration), "resolving partitions: %v", err)
		}
		partitions = n
	}
	if err := src.Copy(d.layout.ManifestCopy()); err != nil {
		return report, err
	}

	planner := &Planner{
		Options:    d.opts,
		Layout:     d.layout,
		Source:     src,
		Partitions: partitions,
		Logger:     d.logger,
	}
	if (d.opts.Hist || d.opts.fractionalMerge()) && planner.want(StepCount) {
		keys := make([]string, 0, src.Len())
		for _, e := range src.All() {
			keys = append(keys, e.ID)
		}
		planner.Aggregator = stats.NewAggregator(keys, partitions)
	}
	if d.opts.mergeGated() && d.opts.fractionalMerge() {
		param, err = gate.New(d.opts.MergeAbundanceMin, planner.Aggregator, d.layout.Thresholds())
		if err != nil {
			return report, fmt.Errorf("merge abundance: %w", err)
		}
	}
	if param != nil {
		planner.MergeGate = param
	}

	plan, err := planner.Build()
	if err != nil {
		return report, err
	}
	report.Plan = plan

	progress := NewProgress(d.out, d.opts.SkipMerge)
	for _, s := range plan.Stages {
		progress.Add(s.Tag, len(s.Tasks))
	}

	res, runErr := d.runStages(ctx, plan.Stages, progress)
	report.Result = res
	progress.Finish()

	if planner.Aggregator != nil {
		if err := planner.Aggregator.Dump(d.layout.StatsTable()); err != nil {
			d.logger.Printf("writing statistics table: %v", err)
		}
	}
	if param != nil {
		report.Thresholds = param.Thresholds()
	}
	report.Elapsed = time.Since(begin)
	if runErr != nil {
		return report, d.finish(runErr)
	}
	fmt.Fprintf(d.out, "Done in %s\n", FormatElapsed(report.Elapsed))
	return report, nil
}

// finish reports an aborted run to the operator.
func (d *Driver) finish(err error) error {
	if errors.Is(err, dag.ErrInterrupted) {
		fmt.Fprintln(d.out, "\nInterrupt signal received. All children are killed")
		if rmErr := os.RemoveAll(BacktraceDir); rmErr != nil {
			d.logger.Printf("removing %s: %v", BacktraceDir, rmErr)
		}
	}
	return err
}

func (d *Driver) runStages(ctx context.Context, stages []StagePlan, progress *Progress) (*dag.Result, error) {
	sinks := trace.Multi(append([]trace.Sink(nil), d.sinks...))
	if progress != nil {
		sinks = append(sinks, progress)
	}

	// The configuration worker creates the run directory, so that phase
	// writes no logs into it.
	if len(stages) != 1 || stages[0].Tag != StageConfiguration {
		cmdlog, err := trace.OpenCommandLog(d.layout.CommandLog())
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := cmdlog.Close(); err != nil {
				d.logger.Printf("command log: %v", err)
			}
		}()
		sinks = append(sinks, cmdlog)

		if d.debug {
			events, err := trace.OpenEventLog(d.layout.EventLog())
			if err != nil {
				return nil, err
			}
			defer events.Close()
			sinks = append(sinks, events)
		}
	}

	opts := []dag.Option{
		dag.WithLogger(log.New(d.logger.Writer(), "[scheduler] ", d.logger.Flags())),
		dag.WithVerbose(d.verbose),
		dag.WithDebug(d.debug),
		dag.WithSink(sinks),
		dag.WithDiagnostics(d.out),
	}
	if w, err := watch.New(); err != nil {
		d.logger.Printf("file notifications unavailable, polling only: %v", err)
	} else {
		defer w.Close()
		opts = append(opts, dag.WithWatcher(w))
	}

	sched := dag.New(dag.Config{
		Capacity:          d.opts.Cores,
		PollInterval:      d.poll,
		TaskTimeout:       d.opts.TaskTimeout,
		FailOnNonZeroExit: !d.opts.IgnoreExitCodes,
		BacktracePath:     filepath.Join(".", BacktraceDir, "backtrace.log"),
		BuildInfoPath:     d.buildInfo(),
	}, d.launcher, opts...)
	for _, s := range stages {
		if err := sched.RegisterStage(s.Tag, s.Tasks, s.Cap); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	d.sched = sched
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.sched = nil
		d.mu.Unlock()
	}()

	return sched.Run(ctx)
}

func (d *Driver) buildInfo() string {
	if d.opts.BinDir == "" {
		return filepath.Join("build", "build_infos.txt")
	}
	return filepath.Join(filepath.Dir(d.opts.BinDir), "build", "build_infos.txt")
}

// countPartitions counts the partition directories created by the
// configuration worker.
func countPartitions(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("no partition directory in %s", dir)
	}
	return n, nil
}
