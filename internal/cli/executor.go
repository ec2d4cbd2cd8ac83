package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"kmpipe/internal/archive"
	"kmpipe/internal/pipeline"
	"kmpipe/internal/recovery/state"
	"kmpipe/internal/status"
)

type CLIResult struct {
	ExitCode int
	RunID    string
	Report   *pipeline.Report
}

type executor struct {
	stdout, stderr io.Writer
	driverOpts     []pipeline.DriverOption
	archiveStore   archive.Store
}

type ExecuteOption func(*executor)

// WithDriverOptions passes extra options to the pipeline driver.
func WithDriverOptions(opts ...pipeline.DriverOption) ExecuteOption {
	return func(e *executor) { e.driverOpts = append(e.driverOpts, opts...) }
}

// WithArchiveStore replaces the S3 store built from the configuration.
func WithArchiveStore(s archive.Store) ExecuteOption {
	return func(e *executor) { e.archiveStore = s }
}

// Execute runs inv. Output of env and runs goes to stdout; logs, progress and
// diagnostics go to stderr.
func Execute(ctx context.Context, inv Invocation, stdout, stderr io.Writer, opts ...ExecuteOption) (CLIResult, error) {
	ex := &executor{stdout: stdout, stderr: stderr}
	for _, o := range opts {
		o(ex)
	}
	switch inv.Command {
	case CommandRun:
		return ex.run(ctx, inv)
	case CommandEnv:
		return ex.env(inv)
	case CommandRuns:
		return ex.runs(inv)
	}
	return CLIResult{ExitCode: ExitInvalidInvocation}, fmt.Errorf("unknown command %q", inv.Command)
}

func (ex *executor) run(ctx context.Context, inv Invocation) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	logger := byLogger(log.New(ex.stderr, "", 0), WithPrefix("[kmpipe] "), WithTimestamp())

	// Records are best effort: a run is never refused because its record
	// cannot be written.
	var rec *state.Recorder
	if st, err := state.NewStore(inv.Config.StateDir); err != nil {
		logger.Printf("run records disabled: %v", err)
	} else {
		rec = state.NewRecorder(st)
	}
	cfg := inv.Config
	run := state.Run{
		Command:  string(inv.Command),
		Args:     inv.Args,
		RunDir:   nonEmpty(cfg.Pipeline.RunDir, "-"),
		Manifest: cfg.Pipeline.Manifest,
	}
	if rec != nil {
		started, err := rec.StartRun(run)
		if err != nil {
			logger.Printf("%v", err)
			run.RunID = rec.NewRunID()
		} else {
			run = started
		}
		res.RunID = run.RunID
		defer func() {
			finished := map[string]int{}
			if res.Report != nil && res.Report.Result != nil {
				for tag, n := range res.Report.Result.Finished {
					finished[string(tag)] = n
				}
			}
			if _, err := rec.FinishRun(run, finished, execErr); err != nil {
				logger.Printf("%v", err)
			}
		}()
	}

	driverOpts := append([]pipeline.DriverOption{
		pipeline.WithLogger(byLogger(logger, Copied(), WithPrefix("[pipeline] "))),
		pipeline.WithOutput(ex.stderr),
		pipeline.WithVerbose(inv.Verbose),
		pipeline.WithDebug(inv.Debug),
	}, ex.driverOpts...)
	driver, err := pipeline.NewDriver(cfg.Pipeline, driverOpts...)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, &state.InputFailureError{Code: "InvalidOptions", Message: err.Error(), Cause: err}
	}

	if cfg.StatusAddr != "" {
		sctx, stop := context.WithCancel(ctx)
		srv := status.Start(sctx, cfg.StatusAddr, status.New(run.RunID, driver))
		defer func() {
			stop()
			if err := <-srv.Stopped; err != nil {
				logger.Printf("status endpoint: %v", err)
			}
		}()
		logger.Printf("serving progress on %s", cfg.StatusAddr)
	}

	report, err := driver.Run(ctx)
	res.Report = report
	if err != nil {
		res.ExitCode = exitCodeFor(err)
		return res, err
	}

	if cfg.Archive.Enabled() || ex.archiveStore != nil {
		if err := ex.archive(ctx, inv, driver.Layout(), run.RunID, logger); err != nil {
			res.ExitCode = ExitInternalError
			return res, err
		}
	}
	res.ExitCode = ExitSuccess
	return res, nil
}

func (ex *executor) archive(ctx context.Context, inv Invocation, layout pipeline.Layout, runID string, logger *log.Logger) error {
	store := ex.archiveStore
	a := inv.Config.Archive
	if store == nil {
		s3, err := archive.NewS3Store(archive.S3Config{
			Endpoint:  a.Endpoint,
			Region:    a.Region,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Bucket:    a.Bucket,
			UseSSL:    a.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		store = s3
	}
	if runID == "" {
		runID = "latest"
	}
	up := &archive.Uploader{
		Store:   store,
		Prefix:  a.Prefix,
		Workers: a.Workers,
		Logger:  byLogger(logger, Copied(), WithPrefix("[archive] ")),
	}
	if _, err := up.Upload(ctx, layout, runID); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

// env prints the effective configuration as YAML, secrets masked.
func (ex *executor) env(inv Invocation) (CLIResult, error) {
	cfg := inv.Config
	if cfg.Archive.SecretKey != "" {
		cfg.Archive.SecretKey = "********"
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	if _, err := ex.stdout.Write(b); err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	return CLIResult{ExitCode: ExitSuccess}, nil
}

// runs lists the recorded runs, oldest id first.
func (ex *executor) runs(inv Invocation) (CLIResult, error) {
	st, err := state.NewStore(inv.Config.StateDir)
	if err != nil {
		return CLIResult{ExitCode: ExitConfigError}, err
	}
	ids, err := st.ListRunIDs()
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	w := tabwriter.NewWriter(ex.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tSTARTED\tRUN DIR\tFAILURE")
	for _, id := range ids {
		r, err := st.LoadRun(id)
		if err != nil {
			fmt.Fprintf(w, "%s\tunreadable\t-\t-\t%v\n", id, err)
			continue
		}
		failure := "-"
		if f, err := st.LoadFailure(id); err == nil {
			failure = f.ErrorCode
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Status, r.StartTime.Format("2006-01-02T15:04:05Z07:00"), r.RunDir, failure)
	}
	if err := w.Flush(); err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	return CLIResult{ExitCode: ExitSuccess}, nil
}

// exitCodeFor maps a pipeline error onto the process exit code.
func exitCodeFor(err error) int {
	f, cerr := state.Classify(err)
	if cerr != nil {
		return ExitInternalError
	}
	switch f.FailureClass {
	case state.FailureClassInput:
		return ExitConfigError
	case state.FailureClassGraph, state.FailureClassPrecondition, state.FailureClassExecution:
		return ExitPipelineFailure
	}
	// Interrupted runs exit 1, like crashed ones.
	if f.ErrorCode == "Interrupted" || errors.Is(err, context.Canceled) {
		return ExitPipelineFailure
	}
	return ExitInternalError
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
