package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Layout computes the paths of a run directory.
type Layout struct {
	Root string
}

func (l Layout) Storage() string { return filepath.Join(l.Root, "storage") }

// ManifestCopy is where the parsed manifest is copied for the workers.
func (l Layout) ManifestCopy() string { return filepath.Join(l.Storage(), "fof.txt") }

func (l Layout) RepartFile() string {
	return filepath.Join(l.Storage(), "partition_storage_gatb", "minimRepart.minimRepart")
}

func (l Layout) SuperkDir() string { return filepath.Join(l.Storage(), "superk_partitions") }

func (l Layout) SuperkFile(sample string) string {
	return filepath.Join(l.SuperkDir(), sample+".superk")
}

func (l Layout) KmerDir() string { return filepath.Join(l.Storage(), "kmers_partitions") }

func (l Layout) PartitionDir(p int) string {
	return filepath.Join(l.KmerDir(), "partition_"+strconv.Itoa(p))
}

func (l Layout) KmerFile(p int, sample string, lz4 bool) string {
	ext := ".kmer"
	if lz4 {
		ext += ".lz4"
	}
	return filepath.Join(l.PartitionDir(p), sample+ext)
}

// VecFile is the count output when merging is skipped.
func (l Layout) VecFile(p int, sample string, lz4 bool) string {
	ext := ".kmer.vec"
	if lz4 {
		ext += ".lz4"
	}
	return filepath.Join(l.PartitionDir(p), sample+ext)
}

// HistFile is the abundance histogram a count worker writes for one sample
// and partition.
func (l Layout) HistFile(p int, sample string) string {
	return filepath.Join(l.PartitionDir(p), sample+".khist")
}

func (l Layout) PartitionFof(p int) string {
	return filepath.Join(l.PartitionDir(p), fmt.Sprintf("partition%d.fof", p))
}

func (l Layout) MatrixDir() string { return filepath.Join(l.Storage(), "matrix") }

// Thresholds receives the per-sample merge thresholds.
func (l Layout) Thresholds() string { return filepath.Join(l.Root, "merge_amin.txt") }

// StatsTable receives the aggregated histogram table.
func (l Layout) StatsTable() string { return filepath.Join(l.Root, "histograms", "kmer_stats.txt") }

func (l Layout) Logs() string       { return filepath.Join(l.Root, "logs") }
func (l Layout) CommandLog() string { return filepath.Join(l.Logs(), "cmds.log") }
func (l Layout) EventLog() string   { return filepath.Join(l.Logs(), "events.jsonl") }
func (l Layout) RepartLog() string  { return filepath.Join(l.Logs(), "repartition.log") }

func (l Layout) SuperkLog(sample string) string {
	return filepath.Join(l.Logs(), "superk", "superk_"+sample+".log")
}

func (l Layout) CountLog(i, p int) string {
	return filepath.Join(l.Logs(), "counter", fmt.Sprintf("counter%d_%d.log", i, p))
}

func (l Layout) MergeLog(p int) string {
	return filepath.Join(l.Logs(), "merger", fmt.Sprintf("merger%d.log", p))
}

func (l Layout) SplitLog() string { return filepath.Join(l.Logs(), "split", "split.log") }

func (l Layout) SplitSampleLog(sample string) string {
	return filepath.Join(l.Logs(), "split", "split_"+sample+".log")
}
