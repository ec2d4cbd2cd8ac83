// Package gate implements the merge abundance parameter: a value that is
// either given on the command line, read from a user supplied file, or
// derived once from the aggregated count histograms.
package gate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"kmpipe/internal/core"
	"kmpipe/internal/fsutil"
	"kmpipe/internal/stats"
)

type Mode int

const (
	Fixed Mode = iota
	Fraction
	ExternalFile
)

func (m Mode) String() string {
	switch m {
	case Fixed:
		return "fixed"
	case Fraction:
		return "fraction"
	case ExternalFile:
		return "file"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var ErrNotFound = errors.New("parameter file not found")

// NotReadyError is returned by Get while the backing aggregator is not full.
// It matches core.ErrNotReady.
type NotReadyError struct {
	Received int
	Expected int
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s: %d of %d histogram contributions", core.ErrNotReady, e.Received, e.Expected)
}

func (e *NotReadyError) Unwrap() error { return core.ErrNotReady }

// NotFoundError reports a missing external parameter file.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s: %s", ErrNotFound, e.Path) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Parameter is a lazily computed, then frozen, parameter value.
// It implements core.Gate.
type Parameter struct {
	mode     Mode
	raw      string
	fraction float64
	agg      *stats.Aggregator
	outPath  string

	mu           sync.Mutex
	frozen       bool
	thresholds   []int
	computations int
}

var _ core.Gate = (*Parameter)(nil)

// Classify reports the mode raw selects without touching the filesystem.
// An integer literal is Fixed, a decimal strictly between 0 and 1 is
// Fraction, and anything else is taken as a file path.
func Classify(raw string) (Mode, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty parameter")
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return Fixed, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if f <= 0 || f >= 1 {
			return 0, fmt.Errorf("fraction %s must be in (0, 1)", raw)
		}
		return Fraction, nil
	}
	return ExternalFile, nil
}

// New builds the parameter for raw, classified as by Classify. Fraction
// mode needs agg and writes its thresholds to outPath. ExternalFile mode
// needs the file to exist.
func New(raw string, agg *stats.Aggregator, outPath string) (*Parameter, error) {
	mode, err := Classify(raw)
	if err != nil {
		return nil, err
	}
	raw = strings.TrimSpace(raw)
	switch mode {
	case Fraction:
		if agg == nil {
			return nil, fmt.Errorf("fraction %s requires histograms", raw)
		}
		if outPath == "" {
			return nil, fmt.Errorf("fraction %s requires an output path", raw)
		}
		f, _ := strconv.ParseFloat(raw, 64)
		return &Parameter{mode: Fraction, raw: raw, fraction: f, agg: agg, outPath: outPath}, nil
	case ExternalFile:
		if !fsutil.Exists(raw) {
			return nil, &NotFoundError{Path: raw}
		}
	}
	return &Parameter{mode: mode, raw: raw}, nil
}

func (p *Parameter) Mode() Mode { return p.mode }

// Get returns the literal, the file path, or, in Fraction mode, the path of
// the computed thresholds file. In Fraction mode it fails with a
// *NotReadyError until the aggregator is full; the first successful call
// computes and persists the thresholds and every later call returns the same
// path without recomputing.
func (p *Parameter) Get() (string, error) {
	if p.mode != Fraction {
		return p.raw, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return p.outPath, nil
	}
	if !p.agg.Full() {
		keys := p.agg.Keys()
		received := 0
		for _, k := range keys {
			received += p.agg.Received(k)
		}
		return "", &NotReadyError{Received: received, Expected: len(keys) * p.agg.Expected()}
	}

	p.computations++
	th, err := thresholds(p.agg, p.fraction)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range th {
		b.WriteString(strconv.Itoa(t))
		b.WriteByte('\n')
	}
	if err := fsutil.WriteFileAtomic(p.outPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write thresholds: %w", err)
	}
	p.thresholds = th
	p.frozen = true
	return p.outPath, nil
}

// Thresholds returns the per-key thresholds once computed, nil before.
func (p *Parameter) Thresholds() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.thresholds...)
}

// Computations counts how many times the thresholds were derived.
func (p *Parameter) Computations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computations
}

// thresholds returns, per key in aggregator order, the smallest bucket index
// at which the cumulative unique count exceeds fraction of the key's unique
// total, or the last bucket when it never does.
func thresholds(agg *stats.Aggregator, fraction float64) ([]int, error) {
	keys := agg.Keys()
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		h, ok := agg.Histogram(k)
		if !ok {
			return nil, fmt.Errorf("no histogram for %q", k)
		}
		target := fraction * float64(h.Unique)
		idx := len(h.HistUnique) - 1
		var sum uint64
		for i, u := range h.HistUnique {
			sum += u
			if float64(sum) > target {
				idx = i
				break
			}
		}
		out = append(out, idx)
	}
	return out, nil
}
