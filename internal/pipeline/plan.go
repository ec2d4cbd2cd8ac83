package pipeline

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"

	"kmpipe/internal/core"
	"kmpipe/internal/manifest"
	"kmpipe/internal/stats"
)

// mergeThresholdParam is the command parameter bound from the merge gate.
const mergeThresholdParam = "abundance_min"

// StagePlan is one stage ready to be registered with the scheduler.
type StagePlan struct {
	Tag   core.StageTag
	Cap   int
	Tasks []*core.Task
}

// Plan is the expanded task set of a run.
type Plan struct {
	Stages     []StagePlan
	Samples    []string
	Partitions int
}

// Stage returns the planned stage with tag, if any.
func (p *Plan) Stage(tag core.StageTag) (StagePlan, bool) {
	for _, s := range p.Stages {
		if s.Tag == tag {
			return s, true
		}
	}
	return StagePlan{}, false
}

// Planner expands the options and the manifest into stages.
type Planner struct {
	Options    Options
	Layout     Layout
	Source     *manifest.Source
	Partitions int

	// Aggregator receives count histograms; nil disables contributions.
	Aggregator *stats.Aggregator
	// MergeGate gates merge tasks and provides their abundance threshold.
	MergeGate core.Gate

	Logger *log.Logger
}

func (p *Planner) want(step Step) bool { return p.Options.wants(step) }

func (p *Planner) base() base { return base{layout: p.Layout, logger: p.Logger} }

func (p *Planner) command(program string, args ...string) core.Command {
	return core.Command{Program: filepath.Join(p.Options.BinDir, program), Args: args}
}

// ConfigurationTask is the single task of the first phase.
func (p *Planner) ConfigurationTask() *core.Task {
	o := p.Options
	return &core.Task{
		ID:       core.StageID(StageConfiguration),
		Stage:    StageConfiguration,
		Cost:     1,
		Blocking: true,
		Kind:     configurationKind{p.base()},
		Command: p.command(configurationWorker,
			"-file", o.Manifest,
			"-run-dir", o.RunDir,
			"-abundance-min", strconv.Itoa(o.CountAbundanceMin),
			"-abundance-max", strconv.FormatUint(o.AbundanceMax, 10),
			"-kmer-size", strconv.Itoa(o.KmerSize),
			"-max-memory", strconv.Itoa(o.MaxMemory),
			"-minimizer-type", strconv.Itoa(o.MinimizerType),
			"-minimizer-size", strconv.Itoa(o.MinimizerSize),
			"-repartition-type", strconv.Itoa(o.RepartitionType),
			"-nb-parts", strconv.Itoa(o.Partitions),
			"-hasher", o.Hasher,
			"-max-hash", strconv.FormatUint(o.MaxHash, 10),
		),
	}
}

// Build expands every requested stage.
func (p *Planner) Build() (*Plan, error) {
	if p.Source == nil {
		return nil, fmt.Errorf("planner: manifest is required")
	}
	if p.Partitions <= 0 {
		return nil, fmt.Errorf("planner: partitions must be positive, got %d", p.Partitions)
	}

	plan := &Plan{Partitions: p.Partitions}
	for _, e := range p.Source.All() {
		plan.Samples = append(plan.Samples, e.ID)
	}

	withRepart := p.want(StepRepart)
	withSuperk := p.want(StepSuperk)
	withCount := p.want(StepCount)
	withMerge := p.Options.mergeGated()
	withSplit := p.want(StepSplit) && p.Options.Mode == "bf_trp" && p.Options.Split != "none"

	if p.MergeGate == nil && withMerge {
		return nil, fmt.Errorf("planner: merge stage needs an abundance parameter")
	}

	if withRepart {
		plan.Stages = append(plan.Stages, StagePlan{Tag: StageRepartition, Cap: 1, Tasks: []*core.Task{p.repartition()}})
	}
	if withSuperk {
		plan.Stages = append(plan.Stages, StagePlan{Tag: StageSuperk, Cap: half(p.Options.Cores), Tasks: p.superk(withRepart)})
	}
	if withCount {
		plan.Stages = append(plan.Stages, StagePlan{Tag: StageCount, Cap: p.Options.Cores, Tasks: p.count(withSuperk)})
	}
	if withMerge {
		plan.Stages = append(plan.Stages, StagePlan{Tag: StageMerge, Cap: p.Options.Cores, Tasks: p.merge(withCount)})
	}
	if withSplit {
		if p.Options.SkipMerge {
			plan.Stages = append(plan.Stages, StagePlan{Tag: StageSplitCount, Cap: half(p.Options.Cores), Tasks: p.splitFromCount(withCount)})
		} else {
			plan.Stages = append(plan.Stages, StagePlan{Tag: StageSplit, Cap: 1, Tasks: []*core.Task{p.split(withMerge)}})
		}
	}
	return plan, nil
}

func (p *Planner) repartition() *core.Task {
	o := p.Options
	return &core.Task{
		ID:           core.StageID(StageRepartition),
		Stage:        StageRepartition,
		Cost:         1,
		Blocking:     true,
		SyncArtifact: p.Layout.RepartFile(),
		LogPath:      p.Layout.RepartLog(),
		Kind:         repartitionKind{p.base()},
		Command: p.command(repartitionWorker,
			"-file", p.Layout.ManifestCopy(),
			"-kmer-size", strconv.Itoa(o.KmerSize),
			"-run-dir", o.RunDir,
			"-nb-cores", strconv.Itoa(o.Cores),
		),
	}
}

func (p *Planner) superk(withRepart bool) []*core.Task {
	o := p.Options
	var deps []core.TaskID
	if withRepart {
		deps = []core.TaskID{core.StageID(StageRepartition)}
	}
	var tasks []*core.Task
	for i, e := range p.Source.All() {
		tasks = append(tasks, &core.Task{
			ID:           core.SampleID(StageSuperk, i),
			Stage:        StageSuperk,
			DependsOn:    deps,
			Cost:         1,
			SyncArtifact: p.Layout.SuperkFile(e.ID),
			LogPath:      p.Layout.SuperkLog(e.ID),
			Kind:         superkKind{p.base()},
			Command: p.command(superkWorker,
				"-id", e.ID,
				"-file", strings.Join(e.Resolved, ","),
				"-kmer-size", strconv.Itoa(o.KmerSize),
				"-run-dir", o.RunDir,
				"-nb-cores", "1",
			),
		})
	}
	return tasks
}

func (p *Planner) count(withSuperk bool) []*core.Task {
	o := p.Options
	bin := CountBinary(o.KmerSize, o.MaxCount)
	var tasks []*core.Task
	for i, e := range p.Source.All() {
		var deps []core.TaskID
		if withSuperk {
			deps = []core.TaskID{core.SampleID(StageSuperk, i)}
		}
		for part := 0; part < p.Partitions; part++ {
			output := p.Layout.KmerFile(part, e.ID, o.LZ4)
			if o.SkipMerge {
				output = p.Layout.VecFile(part, e.ID, o.LZ4)
			}
			args := []string{
				"-file", e.ID,
				"-run-dir", o.RunDir,
				"-abundance-min", strconv.Itoa(e.Count),
				"-kmer-size", strconv.Itoa(o.KmerSize),
				"-part-id", strconv.Itoa(part),
				"-mode", o.countMode(),
				"-keep-tmp", b2i(o.KeepTmp),
				"-lz4", b2i(o.LZ4),
				"-hasher", o.Hasher,
				"-max-hash", strconv.FormatUint(o.MaxHash, 10),
				"-vec-only", b2i(o.SkipMerge),
				"-nb-cores", "1",
			}
			if p.Aggregator != nil {
				args = append(args, "-hist", "1")
			}
			tasks = append(tasks, &core.Task{
				ID:           core.SamplePartitionID(StageCount, i, part),
				Stage:        StageCount,
				DependsOn:    deps,
				Cost:         1,
				SyncArtifact: output,
				LogPath:      p.Layout.CountLog(i, part),
				Kind: countKind{
					base:      p.base(),
					sample:    e.ID,
					partition: part,
					output:    output,
					agg:       p.Aggregator,
				},
				Command: p.command(bin, args...),
			})
		}
	}
	return tasks
}

func (p *Planner) merge(withCount bool) []*core.Task {
	o := p.Options
	bin := MergeBinary(o.KmerSize, o.MaxCount)
	samples := make([]string, 0, p.Source.Len())
	for _, e := range p.Source.All() {
		samples = append(samples, e.ID)
	}

	var tasks []*core.Task
	for part := 0; part < p.Partitions; part++ {
		var deps []core.TaskID
		if withCount {
			for i := range samples {
				deps = append(deps, core.SamplePartitionID(StageCount, i, part))
			}
		}
		tasks = append(tasks, &core.Task{
			ID:        core.PartitionID(StageMerge, part),
			Stage:     StageMerge,
			DependsOn: deps,
			Cost:      1,
			LogPath:   p.Layout.MergeLog(part),
			Gate:      p.MergeGate,
			GateParam: mergeThresholdParam,
			Kind: mergeKind{
				base:      p.base(),
				partition: part,
				samples:   samples,
				lz4:       o.LZ4,
				keepTmp:   o.KeepTmp,
			},
			Command: p.command(bin,
				"-run-dir", o.RunDir,
				"-part-id", strconv.Itoa(part),
				"-abundance-min", "{"+mergeThresholdParam+"}",
				"-recurrence-min", strconv.Itoa(o.RecurrenceMin),
				"-mode", o.Mode,
				"-save-if", strconv.Itoa(o.SaveIf),
			),
		})
	}
	return tasks
}

func (p *Planner) split(withMerge bool) *core.Task {
	o := p.Options
	var deps []core.TaskID
	if withMerge {
		for part := 0; part < p.Partitions; part++ {
			deps = append(deps, core.PartitionID(StageMerge, part))
		}
	}
	return &core.Task{
		ID:        core.StageID(StageSplit),
		Stage:     StageSplit,
		DependsOn: deps,
		Cost:      1,
		Blocking:  true,
		LogPath:   p.Layout.SplitLog(),
		Kind:      splitKind{base: p.base(), keepTmp: o.KeepTmp},
		Command: p.command(splitWorker, "from_merge",
			"-run-dir", o.RunDir,
			"-nb-files", strconv.Itoa(p.Source.Len()),
			"-split", o.Split,
			"-kmer-size", strconv.Itoa(o.KmerSize),
		),
	}
}

func (p *Planner) splitFromCount(withCount bool) []*core.Task {
	o := p.Options
	var tasks []*core.Task
	for i, e := range p.Source.All() {
		var deps []core.TaskID
		if withCount {
			for part := 0; part < p.Partitions; part++ {
				deps = append(deps, core.SamplePartitionID(StageCount, i, part))
			}
		}
		tasks = append(tasks, &core.Task{
			ID:        core.SampleID(StageSplitCount, i),
			Stage:     StageSplitCount,
			DependsOn: deps,
			Cost:      1,
			Blocking:  true,
			LogPath:   p.Layout.SplitSampleLog(e.ID),
			Kind: splitCountKind{
				base:       p.base(),
				sample:     e.ID,
				partitions: p.Partitions,
				lz4:        o.LZ4,
				keepTmp:    o.KeepTmp,
			},
			Command: p.command(splitWorker, "from_count",
				"-run-dir", o.RunDir,
				"-file", e.ID,
				"-split", o.Split,
				"-kmer-size", strconv.Itoa(o.KmerSize),
			),
		})
	}
	return tasks
}

func half(n int) int { return max(n/2, 1) }
