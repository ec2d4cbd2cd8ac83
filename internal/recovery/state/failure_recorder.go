package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recorder writes the run.json and failure.json records of one invocation.
type Recorder struct {
	Store *Store
	now   func() time.Time
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Recorder) NewRunID() string {
	return uuid.NewString()
}

func (r *Recorder) clock() time.Time {
	if r.now == nil {
		return time.Now().UTC()
	}
	return r.now()
}

// StartRun persists run with status running.
func (r *Recorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = r.NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.clock()
	}
	run.Status = RunStatusRunning
	run.EndTime = nil
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, fmt.Errorf("recording run start: %w", err)
	}
	return run, nil
}

// FinishRun stamps the end time and final status derived from runErr, and
// records the failure when there is one.
func (r *Recorder) FinishRun(run Run, finished map[string]int, runErr error) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	end := r.clock()
	run.EndTime = &end
	run.Finished = finished
	run.Status = RunStatusSucceeded
	var errs []error
	if runErr != nil {
		f, err := Classify(runErr)
		if err != nil {
			return Run{}, err
		}
		run.Status = RunStatusFailed
		if f.ErrorCode == "Interrupted" {
			run.Status = RunStatusInterrupted
		}
		if err := r.Store.SaveFailure(run.RunID, f); err != nil {
			errs = append(errs, fmt.Errorf("recording failure: %w", err))
		}
	}
	if err := r.Store.SaveRun(run); err != nil {
		errs = append(errs, fmt.Errorf("recording run end: %w", err))
	}
	return run, errors.Join(errs...)
}

// RecordFailure classifies err and persists it for runID.
func (r *Recorder) RecordFailure(runID string, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	f, ferr := Classify(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(runID, f)
}
