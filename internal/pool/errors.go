package pool

import (
	"errors"
	"fmt"

	"docpipe/internal/transform"
)

var (
	ErrCapacity  = errors.New("pool: queue is full")
	ErrClosed    = errors.New("pool: closed")
	ErrTimeout   = errors.New("pool: task timed out")
	ErrAbandoned = errors.New("pool: task abandoned")
)

// TaskError is the rejection reason of a completion handle.
type TaskError struct {
	TaskID string
	Kind   transform.Kind
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %s: %v", e.Kind, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
