package pipeline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"kmpipe/internal/core"
	"kmpipe/internal/trace"
)

// Progress renders the one-line stage counter. It is a trace.Sink: every
// finished task advances its stage.
type Progress struct {
	mu       sync.Mutex
	w        io.Writer
	live     bool
	split    core.StageTag
	total    map[core.StageTag]int
	finished map[core.StageTag]int
}

var _ trace.Sink = (*Progress)(nil)

// NewProgress writes to w. The line is redrawn on every update only when w
// is a terminal; otherwise it is printed once by Finish.
func NewProgress(w io.Writer, skipMerge bool) *Progress {
	live := false
	if f, ok := w.(*os.File); ok {
		live = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	split := StageSplit
	if skipMerge {
		split = StageSplitCount
	}
	return &Progress{
		w:        w,
		live:     live,
		split:    split,
		total:    map[core.StageTag]int{},
		finished: map[core.StageTag]int{},
	}
}

// Add declares the number of tasks of a stage.
func (p *Progress) Add(tag core.StageTag, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total[tag] = n
	p.finished[tag] = 0
}

func (p *Progress) Record(e trace.Event) {
	if e.Kind != trace.EventTaskFinished {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished[e.Task.Stage]++
	if p.live {
		fmt.Fprintf(p.w, "\r%s", p.lineLocked())
	}
}

// Line renders the current counters.
func (p *Progress) Line() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineLocked()
}

// Finish prints the final line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "\r%s\n", p.lineLocked())
}

func (p *Progress) lineLocked() string {
	parts := []string{
		fmt.Sprintf("Repartition: %d/1", p.finished[StageRepartition]),
		fmt.Sprintf("Superkmer: %d/%d", p.finished[StageSuperk], p.total[StageSuperk]),
		fmt.Sprintf("Count: %d/%d", p.finished[StageCount], p.total[StageCount]),
		fmt.Sprintf("Merge: %d/%d", p.finished[StageMerge], p.total[StageMerge]),
		fmt.Sprintf("Output: %d/%d", p.finished[p.split], p.total[p.split]),
	}
	return strings.Join(parts, ", ")
}

// FormatElapsed renders d as days:hours:minutes:seconds.
func FormatElapsed(d time.Duration) string {
	secs := d.Seconds()
	days := int(secs / 86400)
	secs -= float64(days) * 86400
	hours := int(secs / 3600)
	secs -= float64(hours) * 3600
	mins := int(secs / 60)
	secs -= float64(mins) * 60
	return fmt.Sprintf("%02d:%02d:%02d:%05.2f", days, hours, mins, secs)
}
