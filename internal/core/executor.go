package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool { return !s.Signaled && s.Code == 0 }

func (s ExitStatus) String() string {
	if s.Signaled {
		return "signal " + SignalName(s.Signal)
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Process is a running worker.
type Process interface {
	Pid() int
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// Status is valid once Done is closed.
	Status() ExitStatus
	// Kill terminates the whole process group of the worker.
	Kill() error
}

// Launcher starts worker processes.
type Launcher interface {
	Start(t *Task) (Process, error)
}

// Executor launches workers as real OS processes.
//
// Every worker is placed in its own process group so that a kill reaches
// any helper processes it spawned.
type Executor struct {
	// WorkingDir is the directory workers run in. Empty means the current one.
	WorkingDir string

	// Env, when non-nil, replaces the inherited environment.
	Env []string

	// Stdout and Stderr receive worker output for tasks without a LogPath.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecutor creates an Executor running workers in workingDir.
func NewExecutor(workingDir string) *Executor {
	return &Executor{WorkingDir: workingDir}
}

// Start resolves the task command and launches it.
func (e *Executor) Start(t *Task) (Process, error) {
	if t == nil {
		return nil, fmt.Errorf("task is nil")
	}
	if t.Command.Program == "" {
		return nil, fmt.Errorf("task %s: command program is empty", t.ID)
	}
	args, err := t.Command.Resolve()
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}

	cmd := exec.Command(t.Command.Program, args...)
	cmd.Dir = e.WorkingDir
	if e.Env != nil {
		cmd.Env = e.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if t.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(t.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory for %s: %w", t.ID, err)
		}
		logFile, err = os.OpenFile(t.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log for %s: %w", t.ID, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	} else {
		cmd.Stdout = e.Stdout
		cmd.Stderr = e.Stderr
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", t.Command.Program, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		waitErr := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		p.status = statusOf(cmd, waitErr)
	}()
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status ExitStatus

	killOnce sync.Once
	killErr  error
}

func (p *osProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *osProcess) Done() <-chan struct{} { return p.done }
func (p *osProcess) Status() ExitStatus    { return p.status }

func (p *osProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		// Negative pid targets the process group.
		err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			p.killErr = fmt.Errorf("killing process group %d: %w", p.cmd.Process.Pid, err)
		}
	})
	return p.killErr
}

func statusOf(cmd *exec.Cmd, waitErr error) ExitStatus {
	ps := cmd.ProcessState
	if ps == nil {
		return ExitStatus{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal()}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}
