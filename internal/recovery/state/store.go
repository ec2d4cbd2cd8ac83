package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kmpipe/internal/fsutil"
)

// Store persists run records under:
//
//	<baseDir>/.kmpipe/runs/<run-id>/
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, ".kmpipe", "runs")
}

// ListRunIDs returns all run IDs currently present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.runDir(runID), "failure.json")
}

func (s *Store) SaveRun(run Run) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := validateRunID(run.RunID); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := fsutil.EnsureDir(s.runDir(run.RunID), 0o755); err != nil {
		return err
	}
	return fsutil.WriteJSON(s.runPath(run.RunID), run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	if s == nil {
		return Run{}, errors.New("nil Store")
	}
	if err := validateRunID(runID); err != nil {
		return Run{}, err
	}
	var run Run
	if err := fsutil.ReadJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run.json: %w", err)
	}
	return run, nil
}

func (s *Store) SaveFailure(runID string, f Failure) error {
	if s == nil {
		return errors.New("nil Store")
	}
	if err := validateRunID(runID); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	if err := fsutil.EnsureDir(s.runDir(runID), 0o755); err != nil {
		return err
	}
	return fsutil.WriteJSON(s.failurePath(runID), f)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	if s == nil {
		return Failure{}, errors.New("nil Store")
	}
	if err := validateRunID(runID); err != nil {
		return Failure{}, err
	}
	var f Failure
	if err := fsutil.ReadJSONStrict(s.failurePath(runID), &f); err != nil {
		return Failure{}, err
	}
	if err := f.Validate(); err != nil {
		return Failure{}, fmt.Errorf("invalid failure.json: %w", err)
	}
	return f, nil
}

func validateRunID(runID string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run_id is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run_id %q", runID)
	}
	return nil
}
