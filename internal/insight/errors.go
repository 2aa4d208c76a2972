package insight

import (
	"errors"
	"fmt"
)

var (
	// ErrRead marks a failure to read the evidence or insight snapshot. The
	// store is left untouched.
	ErrRead = errors.New("snapshot read failed")

	// ErrWrite marks a failed commit. None of the run's changes are kept.
	ErrWrite = errors.New("commit failed")

	// ErrNotFound is returned when an insight id does not exist.
	ErrNotFound = errors.New("insight not found")

	// ErrConflict is returned by Store.Apply when an insert would give a
	// group key a second row. The change set is not applied.
	ErrConflict = errors.New("group key already has an insight")

	// ErrInvalid is returned for malformed evidence or insight input.
	ErrInvalid = errors.New("invalid input")
)

// RunError reports which stage of an engine operation failed.
type RunError struct {
	Op    string // "aggregate", "dedupe", "restore"
	Stage error  // ErrRead or ErrWrite
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Stage, e.Err)
}

// Unwrap lets errors.Is match both the stage sentinel and the cause.
func (e *RunError) Unwrap() []error {
	return []error{e.Stage, e.Err}
}
