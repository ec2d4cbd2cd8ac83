package core

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// FatalSignals are the signals that, when they terminate a worker, abort the
// whole run.
var FatalSignals = []syscall.Signal{
	unix.SIGABRT,
	unix.SIGFPE,
	unix.SIGILL,
	unix.SIGINT,
	unix.SIGSEGV,
	unix.SIGTERM,
}

// IsFatalSignal reports whether sig belongs to FatalSignals.
func IsFatalSignal(sig syscall.Signal) bool {
	for _, s := range FatalSignals {
		if s == sig {
			return true
		}
	}
	return false
}

// SignalName returns the conventional upper-case name (SIGSEGV) of sig.
func SignalName(sig syscall.Signal) string {
	if n := unix.SignalName(sig); n != "" {
		return strings.ToUpper(n)
	}
	return sig.String()
}
