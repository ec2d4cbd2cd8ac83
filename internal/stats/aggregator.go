package stats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"kmpipe/internal/fsutil"
)

var ErrMalformedRecord = errors.New("malformed statistics record")

// MalformedRecordError reports a contribution that cannot be merged.
type MalformedRecordError struct {
	Key    string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("%s for %q: %s", ErrMalformedRecord, e.Key, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

type keyStats struct {
	received int
	hist     Record
}

// Aggregator merges histograms contributed per key. Each key expects a fixed
// number of contributions; once every key has them the aggregate is full.
//
// Contributions are made by the scheduler loop; the mutex only protects
// concurrent readers such as Dump from a status handler.
type Aggregator struct {
	mu       sync.Mutex
	keys     []string
	stats    map[string]*keyStats
	expected int
}

// NewAggregator tracks keys, in the given order, each expecting
// expectedPerKey contributions.
func NewAggregator(keys []string, expectedPerKey int) *Aggregator {
	a := &Aggregator{
		keys:     append([]string(nil), keys...),
		stats:    make(map[string]*keyStats, len(keys)),
		expected: expectedPerKey,
	}
	for _, k := range keys {
		a.stats[k] = &keyStats{}
	}
	return a
}

// Keys returns the tracked keys in order.
func (a *Aggregator) Keys() []string { return append([]string(nil), a.keys...) }

// Expected is the number of contributions each key needs.
func (a *Aggregator) Expected() int { return a.expected }

// Contribute merges rec into the running histogram of key.
func (a *Aggregator) Contribute(key string, rec Record) error {
	if err := rec.validate(); err != nil {
		return &MalformedRecordError{Key: key, Reason: err.Error()}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ks, ok := a.stats[key]
	if !ok {
		return &MalformedRecordError{Key: key, Reason: "untracked key"}
	}
	if ks.received >= a.expected {
		return &MalformedRecordError{
			Key:    key,
			Reason: fmt.Sprintf("already received %d of %d contributions", ks.received, a.expected),
		}
	}
	if ks.received == 0 {
		ks.hist = rec.clone()
		ks.received = 1
		return nil
	}

	h := &ks.hist
	if rec.Lower != h.Lower || rec.Upper != h.Upper {
		return &MalformedRecordError{
			Key:    key,
			Reason: fmt.Sprintf("range [%d, %d] differs from accumulated [%d, %d]", rec.Lower, rec.Upper, h.Lower, h.Upper),
		}
	}
	for i := range h.HistUnique {
		h.HistUnique[i] += rec.HistUnique[i]
		h.HistTotal[i] += rec.HistTotal[i]
	}
	h.Unique += rec.Unique
	h.Total += rec.Total
	h.OOBLower += rec.OOBLower
	h.OOBUpper += rec.OOBUpper
	ks.received++
	return nil
}

// ContributeBytes parses raw with ParseRecord and contributes the result.
func (a *Aggregator) ContributeBytes(key string, raw []byte) error {
	rec, err := ParseRecord(raw)
	if err != nil {
		return &MalformedRecordError{Key: key, Reason: err.Error()}
	}
	return a.Contribute(key, rec)
}

// Full reports whether every tracked key received all its contributions.
func (a *Aggregator) Full() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ks := range a.stats {
		if ks.received != a.expected {
			return false
		}
	}
	return true
}

// Received is the number of contributions merged for key.
func (a *Aggregator) Received(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ks, ok := a.stats[key]; ok {
		return ks.received
	}
	return 0
}

// Histogram returns a copy of the accumulated histogram of key. ok is false
// when the key is untracked or has no contribution yet.
func (a *Aggregator) Histogram(key string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks, ok := a.stats[key]
	if !ok || ks.received == 0 {
		return Record{}, false
	}
	return ks.hist.clone(), true
}

// Dump writes the aggregate as a fixed-width table: one column per key, one
// row per abundance value, then the unique and total rows. Keys without
// contributions, or rows outside a key's range, print "-".
func (a *Aggregator) Dump(path string) error {
	return fsutil.WriteFileAtomic(path, []byte(a.table()), 0o644)
}

func (a *Aggregator) table() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	lower, upper := -1, -1
	for _, k := range a.keys {
		ks := a.stats[k]
		if ks.received == 0 {
			continue
		}
		if lower < 0 || ks.hist.Lower < lower {
			lower = ks.hist.Lower
		}
		if ks.hist.Upper > upper {
			upper = ks.hist.Upper
		}
	}

	header := append([]string{"abundance"}, a.keys...)
	rows := [][]string{header}
	if lower >= 0 {
		for v := lower; v <= upper; v++ {
			row := []string{strconv.Itoa(v)}
			for _, k := range a.keys {
				ks := a.stats[k]
				if ks.received == 0 || v < ks.hist.Lower || v > ks.hist.Upper {
					row = append(row, "-")
					continue
				}
				row = append(row, strconv.FormatUint(ks.hist.HistUnique[v-ks.hist.Lower], 10))
			}
			rows = append(rows, row)
		}
	}
	for _, name := range []string{"unique", "total"} {
		row := []string{name}
		for _, k := range a.keys {
			ks := a.stats[k]
			switch {
			case ks.received == 0:
				row = append(row, "-")
			case name == "unique":
				row = append(row, strconv.FormatUint(ks.hist.Unique, 10))
			default:
				row = append(row, strconv.FormatUint(ks.hist.Total, 10))
			}
		}
		rows = append(rows, row)
	}

	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}
	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if i == 0 {
				b.WriteString(cell + strings.Repeat(" ", widths[i]-len(cell)))
			} else {
				b.WriteString(strings.Repeat(" ", widths[i]-len(cell)) + cell)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
