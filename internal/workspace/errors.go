package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown sessions or blobs.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRole is returned for an unknown folder role.
	ErrInvalidRole = errors.New("invalid folder role")
)

// InvalidNameError is returned when a logical name or session id would
// resolve outside the session's directory tree or is otherwise unusable.
type InvalidNameError struct {
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid name %q: %s", e.Name, e.Reason)
}

// FileTooLargeError is returned when an upload exceeds the size ceiling.
// The partial data has already been discarded.
type FileTooLargeError struct {
	Name  string
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file %q exceeds the %d byte limit", e.Name, e.Limit)
}
