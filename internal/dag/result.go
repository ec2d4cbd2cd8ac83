package dag

import (
	"time"

	"kmpipe/internal/core"
)

// Result summarises a scheduler run.
type Result struct {
	// Order is the dispatch order of every launched task.
	Order []core.TaskID

	// Finished counts completed tasks per stage.
	Finished map[core.StageTag]int

	Elapsed time.Duration
}
