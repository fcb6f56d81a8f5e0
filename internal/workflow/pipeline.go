package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// Pipeline is an editable, ordered step list. It is not safe for concurrent
// use; the engine takes its own snapshot when a run starts.
type Pipeline struct {
	steps []Step
}

// NewPipeline builds a pipeline by appending steps in order.
func NewPipeline(steps ...Step) (*Pipeline, error) {
	p := &Pipeline{steps: make([]Step, 0, len(steps))}
	for _, s := range steps {
		if _, err := p.Append(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Steps returns a copy of the current order.
func (p *Pipeline) Steps() []Step { return CloneSteps(p.steps) }

func (p *Pipeline) Len() int { return len(p.steps) }

// Append adds step at the end and returns its id.
func (p *Pipeline) Append(step Step) (string, error) {
	return p.Insert(len(p.steps), step)
}

// Insert places step at index (0..Len). A step without an id gets a fresh one.
func (p *Pipeline) Insert(index int, step Step) (string, error) {
	if index < 0 || index > len(p.steps) {
		return "", fmt.Errorf("%w: %d", ErrStepIndex, index)
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if p.indexOf(step.ID) >= 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
	}
	p.steps = append(p.steps, Step{})
	copy(p.steps[index+1:], p.steps[index:])
	p.steps[index] = step
	return step.ID, nil
}

// Remove deletes the step with id.
func (p *Pipeline) Remove(id string) error {
	i := p.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	p.steps = append(p.steps[:i], p.steps[i+1:]...)
	return nil
}

// Move relocates the step with id so that it ends up at index.
func (p *Pipeline) Move(id string, index int) error {
	i := p.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if index < 0 || index >= len(p.steps) {
		return fmt.Errorf("%w: %d", ErrStepIndex, index)
	}
	step := p.steps[i]
	p.steps = append(p.steps[:i], p.steps[i+1:]...)
	p.steps = append(p.steps, Step{})
	copy(p.steps[index+1:], p.steps[index:])
	p.steps[index] = step
	return nil
}

func (p *Pipeline) indexOf(id string) int {
	for i, s := range p.steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}
