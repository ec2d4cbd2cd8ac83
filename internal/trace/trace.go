// Package trace carries scheduler events to observers.
//
// Events are observational only: sinks must never affect scheduling. The
// scheduler records through SafeRecord, so a panicking sink is contained.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"kmpipe/internal/core"
)

// EventKind is the stable discriminator for Event.
//
// The string values appear in the on-disk event log; do not rename.
type EventKind string

const (
	EventTaskReady      EventKind = "TaskReady"
	EventTaskDispatched EventKind = "TaskDispatched"
	EventTaskFinished   EventKind = "TaskFinished"
	EventTaskFailed     EventKind = "TaskFailed"
	EventTaskCrashed    EventKind = "TaskCrashed"
	EventTaskKilled     EventKind = "TaskKilled"
	EventGateResolved   EventKind = "GateResolved"
)

// Event is a single scheduler transition.
type Event struct {
	Kind EventKind
	Task core.TaskID

	// Worker is the diagnostic worker name of the task.
	Worker string

	// Command is the resolved command line. Set on dispatch and completion.
	Command string

	// Status describes the process exit for completion events ("exit 0",
	// "signal SIGSEGV").
	Status string

	// Detail carries the gate value or the failure message.
	Detail string

	Time time.Time
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(name string, v any, first bool) {
		if !first {
			buf.WriteByte(',')
		}
		buf.WriteString(`"` + name + `":`)
		b, _ := json.Marshal(v)
		buf.Write(b)
	}

	writeField("kind", string(e.Kind), true)
	writeField("task", e.Task.String(), false)
	writeField("stage", string(e.Task.Stage), false)
	if e.Worker != "" {
		writeField("worker", e.Worker, false)
	}
	if e.Command != "" {
		writeField("command", e.Command, false)
	}
	if e.Status != "" {
		writeField("status", e.Status, false)
	}
	if e.Detail != "" {
		writeField("detail", e.Detail, false)
	}
	if !e.Time.IsZero() {
		writeField("time", e.Time.UTC().Format(time.RFC3339Nano), false)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
