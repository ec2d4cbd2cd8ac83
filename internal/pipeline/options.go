package pipeline

import (
	"fmt"
	"strings"
	"time"

	"kmpipe/internal/gate"
)

// Step names a pipeline step for the until/only controls.
type Step string

const (
	StepRepart Step = "repart"
	StepSuperk Step = "superk"
	StepCount  Step = "count"
	StepMerge  Step = "merge"
	StepSplit  Step = "split"
	StepAll    Step = "all"
)

var stepRank = map[Step]int{
	StepRepart: 1,
	StepSuperk: 2,
	StepCount:  3,
	StepMerge:  4,
	StepSplit:  5,
	StepAll:    6,
}

// ParseStep validates s.
func ParseStep(s string) (Step, error) {
	st := Step(strings.TrimSpace(s))
	if _, ok := stepRank[st]; !ok {
		return "", fmt.Errorf("invalid step %q (want repart|superk|count|merge|split|all)", s)
	}
	return st, nil
}

var (
	modes       = []string{"bin", "ascii", "pa", "bf", "bf_trp"}
	splitModes  = []string{"sdsl", "howde", "none"}
	hasherNames = []string{"xor", "sabuhash"}
)

// Options is the full pipeline configuration.
type Options struct {
	Manifest string `yaml:"file"`
	RunDir   string `yaml:"run_dir"`
	BinDir   string `yaml:"bin_dir"`

	KmerSize          int    `yaml:"kmer_size"`
	CountAbundanceMin int    `yaml:"count_abundance_min"`
	AbundanceMax      uint64 `yaml:"abundance_max"`
	MaxCount          int    `yaml:"max_count"`
	MaxMemory         int    `yaml:"max_memory"`
	Mode              string `yaml:"mode"`
	Cores             int    `yaml:"nb_cores"`

	// MergeAbundanceMin is an integer, a fraction in (0, 1) or a file path.
	MergeAbundanceMin string `yaml:"merge_abundance_min"`
	RecurrenceMin     int    `yaml:"recurrence_min"`
	SaveIf            int    `yaml:"save_if"`
	SkipMerge         bool   `yaml:"skip_merge"`

	Until Step `yaml:"until"`
	Only  Step `yaml:"only"`

	MinimizerType   int    `yaml:"minimizer_type"`
	MinimizerSize   int    `yaml:"minimizer_size"`
	RepartitionType int    `yaml:"repartition_type"`
	Partitions      int    `yaml:"nb_partitions"`
	Hasher          string `yaml:"hasher"`
	MaxHash         uint64 `yaml:"max_hash"`
	Split           string `yaml:"split"`

	KeepTmp bool `yaml:"keep_tmp"`
	LZ4     bool `yaml:"lz4"`
	Hist    bool `yaml:"hist"`

	// TaskTimeout kills a worker that runs longer. Zero means no limit.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// IgnoreExitCodes restores the lenient policy where only fatal signals
	// and missing outputs stop the pipeline.
	IgnoreExitCodes bool `yaml:"ignore_exit_codes"`
}

// DefaultOptions returns the defaults of every tunable.
func DefaultOptions() Options {
	return Options{
		KmerSize:          31,
		CountAbundanceMin: 2,
		AbundanceMax:      3_000_000_000,
		MaxCount:          255,
		MaxMemory:         8000,
		Mode:              "bin",
		Cores:             8,
		MergeAbundanceMin: "1",
		RecurrenceMin:     1,
		Until:             StepAll,
		Only:              StepAll,
		MinimizerSize:     10,
		Hasher:            "xor",
		MaxHash:           1_000_000_000,
		Split:             "none",
	}
}

// Validate checks option values and cross-option constraints.
func (o *Options) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if o.Manifest == "" {
		add("manifest file is required")
	}
	if o.RunDir == "" {
		add("run directory is required")
	}
	if o.KmerSize <= 0 {
		add("kmer size must be positive, got %d", o.KmerSize)
	}
	if o.MaxCount <= 0 {
		add("max count must be positive, got %d", o.MaxCount)
	}
	if o.Cores <= 0 {
		add("cores must be positive, got %d", o.Cores)
	}
	if o.Partitions < 0 {
		add("partitions must be >= 0, got %d", o.Partitions)
	}
	if o.CountAbundanceMin < 0 {
		add("count abundance min must be >= 0, got %d", o.CountAbundanceMin)
	}
	if !oneOf(o.Mode, modes) {
		add("invalid mode %q (want %s)", o.Mode, strings.Join(modes, "|"))
	}
	if !oneOf(o.Split, splitModes) {
		add("invalid split %q (want %s)", o.Split, strings.Join(splitModes, "|"))
	}
	if !oneOf(o.Hasher, hasherNames) {
		add("invalid hasher %q (want %s)", o.Hasher, strings.Join(hasherNames, "|"))
	}
	if _, ok := stepRank[o.Until]; !ok {
		add("invalid until step %q", o.Until)
	}
	if _, ok := stepRank[o.Only]; !ok {
		add("invalid only step %q", o.Only)
	}
	if o.SkipMerge && !o.bloom() {
		add("skip-merge requires mode bf or bf_trp")
	}
	if o.TaskTimeout < 0 {
		add("task timeout must be >= 0")
	}
	if mode, err := gate.Classify(o.MergeAbundanceMin); err != nil {
		add("merge abundance min: %v", err)
	} else if mode == gate.Fraction && o.mergeGated() && !o.wants(StepCount) {
		add("a fractional merge abundance needs the count step in the same run")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid options: %s", strings.Join(errs, "; "))
	}
	return nil
}

// fractionalMerge reports whether the merge threshold is derived from
// histograms.
func (o *Options) fractionalMerge() bool {
	mode, err := gate.Classify(o.MergeAbundanceMin)
	return err == nil && mode == gate.Fraction
}

// wants reports whether step is part of the run selected by Until and Only.
func (o *Options) wants(step Step) bool {
	only, until := stepRank[o.Only], stepRank[o.Until]
	r := stepRank[step]
	if only == stepRank[StepAll] {
		return step == StepRepart || until >= r
	}
	return only == r
}

// mergeGated reports whether merge tasks run and wait on the threshold.
func (o *Options) mergeGated() bool { return o.wants(StepMerge) && !o.SkipMerge }

func (o *Options) bloom() bool { return o.Mode == "bf" || o.Mode == "bf_trp" }

// countMode is the numeric mode understood by the count worker.
func (o *Options) countMode() string {
	if o.bloom() {
		return "1"
	}
	return "0"
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func b2i(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
