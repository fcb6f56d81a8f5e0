package workflow

import (
	"errors"
	"fmt"

	"docpipe/internal/transform"
)

var (
	ErrNoFiles       = errors.New("no input files")
	ErrNoSteps       = errors.New("no steps configured")
	ErrUnknownStep   = errors.New("unknown step type")
	ErrDuplicateStep = errors.New("duplicate step id")
	ErrStepNotFound  = errors.New("step not found")
	ErrStepIndex     = errors.New("step index out of range")
)

// PreconditionError is returned synchronously by Engine.Run; no task has been
// submitted when it occurs.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Err.Error() }

func (e *PreconditionError) Unwrap() error { return e.Err }

// StepError is the failure of one lane at one step.
type StepError struct {
	StepID string
	Kind   transform.Kind
	File   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s) failed on %s: %v", e.StepID, e.Kind, e.File, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
