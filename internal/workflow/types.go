package workflow

import (
	"maps"
	"time"

	"docpipe/internal/transform"
)

// File is one input document.
type File struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
	Size int    `json:"size"`
}

// NewFile builds a File and records its size.
func NewFile(name string, data []byte) File {
	return File{Name: name, Data: data, Size: len(data)}
}

// Step is one configured stage. Settings stay free-form until the step is
// about to run, where they are decoded into the kind's typed settings.
type Step struct {
	ID       string         `json:"id"`
	Type     transform.Kind `json:"type"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Artifact is the output of one surviving lane.
type Artifact struct {
	Name string            `json:"name"`
	Data []byte            `json:"-"`
	Size int               `json:"size"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Run is a single invocation of the engine.
type Run struct {
	// ID correlates log lines; the job store passes the job id.
	ID    string
	Files []File
	Steps []Step
}

// Callbacks are invoked sequentially. OnStart runs on the caller's goroutine
// before Run returns; the others run on the run's driver goroutine.
type Callbacks struct {
	OnStart    func()
	OnProgress func(percent int)
	OnComplete func(artifacts []Artifact)
	OnError    func(err error)
}

type Options struct {
	// Suffix is appended to the input stem of every artifact name.
	Suffix string
	// CapacityRetries bounds resubmissions after pool.ErrCapacity.
	CapacityRetries int
	// CapacityBackoff is the first retry delay; it doubles per attempt.
	CapacityBackoff time.Duration
}

const (
	DefaultSuffix          = "_processed"
	defaultCapacityBackoff = 50 * time.Millisecond
	maxCapacityBackoff     = 2 * time.Second
	mergedStem             = "merged"
)

// CloneSteps copies steps together with their settings maps, so later edits
// by the caller are not observed.
func CloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = Step{ID: s.ID, Type: s.Type, Settings: maps.Clone(s.Settings)}
	}
	return out
}
