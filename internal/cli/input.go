package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"kmpipe/internal/config"
	"kmpipe/internal/pipeline"
)

const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

type Command string

const (
	CommandRun  Command = "run"
	CommandEnv  Command = "env"
	CommandRuns Command = "runs"
)

// Invocation is a parsed command line with the configuration it resolved to.
type Invocation struct {
	Command    Command
	ConfigPath string
	Config     config.Config
	Verbose    bool
	Debug      bool
	// Args is the original argument list, recorded with the run.
	Args []string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

const usage = `usage: kmpipe <command> [flags]

commands:
  run    run the pipeline
  env    print the effective configuration
  runs   list recorded runs`

// ParseInvocation parses args (without the program name). Defaults come from
// the config file named by -config and from the environment read through
// getenv; flags override both.
func ParseInvocation(args []string, getenv func(string) string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{}, invalidInvocationf("%s", usage)
	}
	cmd := Command(args[0])
	switch cmd {
	case CommandRun, CommandEnv, CommandRuns:
	case "-h", "-help", "--help", "help":
		return Invocation{}, &InvocationError{ExitCode: ExitSuccess, Message: usage}
	default:
		return Invocation{}, invalidInvocationf("unknown command %q\n%s", args[0], usage)
	}
	rest := args[1:]

	path, err := configPath(rest)
	if err != nil {
		return Invocation{}, err
	}
	cfg, err := config.Load(path, getenv)
	if err != nil {
		return Invocation{}, &InvocationError{ExitCode: ExitConfigError, Message: err.Error()}
	}

	inv := Invocation{Command: cmd, ConfigPath: path, Args: append([]string(nil), args...)}
	fs := flag.NewFlagSet("kmpipe "+string(cmd), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.String("config", path, "YAML configuration file.")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory holding the .kmpipe run records.")
	if cmd == CommandRun || cmd == CommandEnv {
		bindRunFlags(fs, &cfg)
		fs.BoolVar(&inv.Verbose, "verbose", false, "Log every dispatched and finished task.")
		fs.BoolVar(&inv.Debug, "debug", false, "Log readiness decisions and write the event log.")
	}
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Invocation{}, &InvocationError{ExitCode: ExitSuccess, Message: flagUsage(fs)}
		}
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}
	inv.Config = cfg
	return inv, nil
}

func bindRunFlags(fs *flag.FlagSet, cfg *config.Config) {
	o := &cfg.Pipeline
	fs.StringVar(&o.Manifest, "file", o.Manifest, "Manifest: one sample per line, 'id : path[;path...] [! abundance]'.")
	fs.StringVar(&o.RunDir, "run-dir", o.RunDir, "Run directory.")
	fs.StringVar(&o.BinDir, "bin-dir", o.BinDir, "Directory holding the worker binaries.")
	fs.IntVar(&o.KmerSize, "kmer-size", o.KmerSize, "Size of a k-mer.")
	fs.IntVar(&o.CountAbundanceMin, "count-abundance-min", o.CountAbundanceMin, "Minimum abundance of a k-mer at count time.")
	fs.Uint64Var(&o.AbundanceMax, "abundance-max", o.AbundanceMax, "Maximum abundance of a k-mer.")
	fs.IntVar(&o.MaxCount, "max-count", o.MaxCount, "Maximum count value, selects the count and merge binaries.")
	fs.IntVar(&o.MaxMemory, "max-memory", o.MaxMemory, "Maximum memory per core, in MB.")
	fs.StringVar(&o.Mode, "mode", o.Mode, "Output format: bin|ascii|pa|bf|bf_trp.")
	fs.IntVar(&o.Cores, "nb-cores", o.Cores, "Number of concurrent cores.")
	fs.StringVar(&o.MergeAbundanceMin, "merge-abundance-min", o.MergeAbundanceMin, "Merge abundance: an integer, a fraction in (0,1) or a file with one value per sample.")
	fs.IntVar(&o.RecurrenceMin, "recurrence-min", o.RecurrenceMin, "Minimum recurrence of a k-mer across samples.")
	fs.IntVar(&o.SaveIf, "save-if", o.SaveIf, "Keep non-solid k-mers present in at least this many samples.")
	fs.BoolVar(&o.SkipMerge, "skip-merge", o.SkipMerge, "Skip the merge step (bf and bf_trp modes).")
	fs.Var(stepValue{&o.Until}, "until", "Run until this step: repart|superk|count|merge|split|all.")
	fs.Var(stepValue{&o.Only}, "only", "Run only this step: repart|superk|count|merge|split|all.")
	fs.IntVar(&o.MinimizerType, "minimizer-type", o.MinimizerType, "Minimizer type (0 lexi, 1 freq).")
	fs.IntVar(&o.MinimizerSize, "minimizer-size", o.MinimizerSize, "Size of a minimizer.")
	fs.IntVar(&o.RepartitionType, "repartition-type", o.RepartitionType, "Minimizer repartition (0 unordered, 1 ordered).")
	fs.IntVar(&o.Partitions, "nb-partitions", o.Partitions, "Number of partitions, 0 to let the configuration step decide.")
	fs.StringVar(&o.Hasher, "hasher", o.Hasher, "Hash function: xor|sabuhash.")
	fs.Uint64Var(&o.MaxHash, "max-hash", o.MaxHash, "Maximum hash value.")
	fs.StringVar(&o.Split, "split", o.Split, "Split the bit-vector matrix: sdsl|howde|none.")
	fs.BoolVar(&o.KeepTmp, "keep-tmp", o.KeepTmp, "Keep intermediate files.")
	fs.BoolVar(&o.LZ4, "lz4", o.LZ4, "Compress intermediate files with lz4.")
	fs.BoolVar(&o.Hist, "hist", o.Hist, "Compute k-mer abundance histograms.")
	fs.DurationVar(&o.TaskTimeout, "task-timeout", o.TaskTimeout, "Kill a worker running longer than this, 0 for no limit.")
	fs.BoolVar(&o.IgnoreExitCodes, "ignore-exit-codes", o.IgnoreExitCodes, "Only fatal signals and missing outputs fail the run.")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "Serve run progress over HTTP on this address.")
	fs.StringVar(&cfg.Archive.Endpoint, "archive-endpoint", cfg.Archive.Endpoint, "S3-compatible endpoint receiving the results.")
	fs.StringVar(&cfg.Archive.Bucket, "archive-bucket", cfg.Archive.Bucket, "Bucket receiving the results.")
	fs.StringVar(&cfg.Archive.Prefix, "archive-prefix", cfg.Archive.Prefix, "Key prefix of archived results.")
	fs.BoolVar(&cfg.Archive.UseSSL, "archive-ssl", cfg.Archive.UseSSL, "Use TLS for the archive endpoint.")
}

type stepValue struct{ s *pipeline.Step }

func (v stepValue) String() string {
	if v.s == nil {
		return ""
	}
	return string(*v.s)
}

func (v stepValue) Set(raw string) error {
	st, err := pipeline.ParseStep(raw)
	if err != nil {
		return err
	}
	*v.s = st
	return nil
}

// configPath finds the -config value ahead of flag parsing, since the file
// supplies the flag defaults.
func configPath(args []string) (string, error) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if dashes := len(a) - len(name); dashes == 0 || dashes > 2 {
			continue
		}
		switch {
		case name == "config":
			if i+1 >= len(args) {
				return "", invalidInvocationf("flag needs an argument: -config")
			}
			return args[i+1], nil
		case strings.HasPrefix(name, "config="):
			return strings.TrimPrefix(name, "config="), nil
		}
	}
	return "", nil
}

func flagUsage(fs *flag.FlagSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "usage of %s:\n", fs.Name())
	fs.SetOutput(&b)
	fs.PrintDefaults()
	fs.SetOutput(io.Discard)
	return b.String()
}

// ExitCode extracts the exit code carried by a ParseInvocation error.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		return invErr.ExitCode
	}
	return ExitInternalError
}
