package review

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrFileNotFound   = errors.New("file not found")
	ErrResultNotFound = errors.New("result not found")

	// ErrEmptyTask is returned when a task with no uploaded files is
	// started. The task is marked failed before the error is returned.
	ErrEmptyTask = errors.New("no files to process")
)

// InvalidStateError reports an operation attempted against a task or file
// whose current status does not permit it.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Op, e.Entity, e.ID, e.Status)
}
