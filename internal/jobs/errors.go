package jobs

import "errors"

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobFinished       = errors.New("job already finished")
	ErrJobActive         = errors.New("job still active")
	ErrInvalidTransition = errors.New("invalid status transition")
)
