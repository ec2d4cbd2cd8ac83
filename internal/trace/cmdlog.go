package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// CommandLog appends the resolved command line of every completed task to a
// file, one per line. The file is opened in append mode so repeated runs
// over the same directory accumulate.
type CommandLog struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	err error
}

// OpenCommandLog opens (or creates) path for appending.
func OpenCommandLog(path string) (*CommandLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating command log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening command log: %w", err)
	}
	return &CommandLog{w: f, c: f}, nil
}

// NewCommandLog writes to w. Close is a no-op.
func NewCommandLog(w io.Writer) *CommandLog { return &CommandLog{w: w} }

func (l *CommandLog) Record(event Event) {
	if event.Kind != EventTaskFinished || event.Command == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	_, l.err = io.WriteString(l.w, event.Command+"\n")
}

// Err returns the first write error, if any.
func (l *CommandLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *CommandLog) Close() error {
	if l.c == nil {
		return l.Err()
	}
	if err := l.c.Close(); err != nil {
		return err
	}
	return l.Err()
}

// EventLog writes every event as one JSON object per line.
type EventLog struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// OpenEventLog opens (or creates) path for appending.
func OpenEventLog(path string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &EventLog{enc: json.NewEncoder(f), c: f}, nil
}

func (l *EventLog) Record(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(event)
}

func (l *EventLog) Close() error { return l.c.Close() }
