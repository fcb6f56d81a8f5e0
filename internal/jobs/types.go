package jobs

import (
	"errors"
	"time"

	"docpipe/internal/transform"
	"docpipe/internal/workflow"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusError }

// transitions lists the allowed forward moves of the job state machine.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusError},
	StatusProcessing: {StatusSuccess, StatusError},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type JobError struct {
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

// Job is the observable record of one workflow run. Values handed out by the
// store are copies; their slices must be treated as read-only.
type Job struct {
	ID        string              `json:"id"`
	Label     string              `json:"label"`
	Inputs    []workflow.File     `json:"inputs"`
	Steps     []workflow.Step     `json:"steps"`
	Status    Status              `json:"status"`
	Progress  int                 `json:"progress"`
	Result    []workflow.Artifact `json:"result,omitempty"`
	Error     *JobError           `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// recordSteps is the copy of steps kept on a job: detached from the caller's
// settings maps and without secret values.
func recordSteps(steps []workflow.Step) []workflow.Step {
	out := workflow.CloneSteps(steps)
	for i := range out {
		out[i].Settings = transform.MaskSecrets(out[i].Type, out[i].Settings)
	}
	return out
}

// Patch is a partial update applied by UpdateJob. Zero fields are left
// unchanged.
type Patch struct {
	Status   Status
	Progress *int
	Result   []workflow.Artifact
	Error    *JobError
}

func ProgressPatch(percent int) Patch { return Patch{Progress: &percent} }

func SuccessPatch(artifacts []workflow.Artifact) Patch {
	return Patch{Status: StatusSuccess, Result: artifacts}
}

// ErrorPatch turns err into a terminal error patch, keeping the failing step
// id when err carries one.
func ErrorPatch(err error) Patch {
	jobErr := &JobError{Message: err.Error()}
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		jobErr.StepID = stepErr.StepID
	}
	return Patch{Status: StatusError, Error: jobErr}
}

// Callbacks receive the terminal outcome of an enqueued job.
type Callbacks struct {
	OnComplete func(artifacts []workflow.Artifact)
	OnError    func(err error)
}
