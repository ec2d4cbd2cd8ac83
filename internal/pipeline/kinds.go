package pipeline

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"kmpipe/internal/core"
	"kmpipe/internal/fsutil"
	"kmpipe/internal/stats"
)

// Stage tags. Their lexicographic order is the dispatch priority.
const (
	StageConfiguration core.StageTag = "E"
	StageRepartition   core.StageTag = "R"
	StageSuperk        core.StageTag = "S"
	StageCount         core.StageTag = "C"
	StageMerge         core.StageTag = "M"
	StageSplit         core.StageTag = "O"
	StageSplitCount    core.StageTag = "B"
)

// base carries what every stage kind needs. Kinds without pre- or
// postprocessing inherit the no-ops.
type base struct {
	layout Layout
	logger *log.Logger
}

func (base) Preprocess(*core.Task) error  { return nil }
func (base) Postprocess(*core.Task) error { return nil }

type configurationKind struct{ base }

func (configurationKind) Name() string { return configurationWorker }

func (k configurationKind) Preprocess(*core.Task) error {
	if fsutil.Exists(k.layout.Root) {
		k.logger.Printf("warning: %s already exists.", k.layout.Root)
	}
	return nil
}

type repartitionKind struct{ base }

func (repartitionKind) Name() string { return repartitionWorker }

// Preprocess turns the task into a no-op when a previous run already
// produced the repartition file.
func (k repartitionKind) Preprocess(t *core.Task) error {
	if !fsutil.Exists(k.layout.Root) {
		return core.Preconditionf(t.ID, "run directory %s does not exist", k.layout.Root)
	}
	if fsutil.Exists(k.layout.RepartFile()) {
		k.logger.Printf("%s exists, skipping repartition", k.layout.RepartFile())
		t.Command = core.Command{Program: "true"}
	}
	return nil
}

type superkKind struct{ base }

func (superkKind) Name() string { return superkWorker }

func (k superkKind) Preprocess(t *core.Task) error {
	if !fsutil.Exists(k.layout.RepartFile()) {
		return core.Preconditionf(t.ID, "repartition file %s does not exist", k.layout.RepartFile())
	}
	return nil
}

type countKind struct {
	base
	sample    string
	partition int
	output    string
	agg       *stats.Aggregator
}

func (countKind) Name() string { return countWorker }

func (k countKind) Preprocess(t *core.Task) error {
	superk := k.layout.SuperkFile(k.sample)
	if !fsutil.Exists(superk) {
		return core.Preconditionf(t.ID, "super-k-mer file %s does not exist", superk)
	}
	if fsutil.Exists(k.output) {
		return core.Preconditionf(t.ID, "%s already exists", k.output)
	}
	return nil
}

// Postprocess contributes the partition histogram of the sample.
func (k countKind) Postprocess(t *core.Task) error {
	if k.agg == nil {
		return nil
	}
	path := k.layout.HistFile(k.partition, k.sample)
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("histogram of %s: %w", t.ID, err)
	}
	return k.agg.ContributeBytes(k.sample, raw)
}

type mergeKind struct {
	base
	partition int
	samples   []string
	lz4       bool
	keepTmp   bool
}

func (mergeKind) Name() string { return mergeWorker }

// Preprocess writes the partition fof listing every sample's k-mer file.
func (k mergeKind) Preprocess(t *core.Task) error {
	dir := k.layout.PartitionDir(k.partition)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return core.Preconditionf(t.ID, "%s is missing or empty", dir)
	}
	var b strings.Builder
	for _, s := range k.samples {
		b.WriteString(k.layout.KmerFile(k.partition, s, k.lz4))
		b.WriteByte('\n')
	}
	if err := fsutil.WriteFileAtomic(k.layout.PartitionFof(k.partition), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing partition fof: %w", err)
	}
	return nil
}

func (k mergeKind) Postprocess(*core.Task) error {
	if k.keepTmp {
		return nil
	}
	return os.RemoveAll(k.layout.PartitionDir(k.partition))
}

type splitKind struct {
	base
	keepTmp bool
}

func (splitKind) Name() string { return splitWorker }

// Postprocess removes the per-partition matrix directories.
func (k splitKind) Postprocess(*core.Task) error {
	if k.keepTmp {
		return nil
	}
	entries, err := os.ReadDir(k.layout.MatrixDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := os.RemoveAll(filepath.Join(k.layout.MatrixDir(), e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

type splitCountKind struct {
	base
	sample     string
	partitions int
	lz4        bool
	keepTmp    bool
}

func (splitCountKind) Name() string { return splitWorker }

// Postprocess removes the sample's bit vectors.
func (k splitCountKind) Postprocess(*core.Task) error {
	if k.keepTmp {
		return nil
	}
	for p := 0; p < k.partitions; p++ {
		err := os.Remove(k.layout.VecFile(p, k.sample, k.lz4))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
