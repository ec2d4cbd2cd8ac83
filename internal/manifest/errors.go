package manifest

import (
	"errors"
	"fmt"
)

var (
	ErrFormat   = errors.New("malformed manifest")
	ErrNotFound = errors.New("input file not found")
)

// FormatError reports a malformed manifest line.
type FormatError struct {
	Path   string
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s:%d: %s", ErrFormat, e.Path, e.Line, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// NotFoundError reports a referenced input file that does not exist.
type NotFoundError struct {
	ID   string
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: entry %q: %s", ErrNotFound, e.ID, e.Path)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
