package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"docpipe/internal/archive"
	"docpipe/internal/pool"
	"docpipe/internal/transform"
)

// Submitter is the part of the execution pool the engine drives.
type Submitter interface {
	Submit(ctx context.Context, kind transform.Kind, in transform.Input) (*pool.Handle, error)
}

// Engine chains steps over a batch of files. Each file is a lane; steps up to
// the first combining step (merge) run per lane, the survivors are then
// joined into one lane that runs the remaining steps.
type Engine struct {
	pool Submitter
	opts Options

	mu      sync.Mutex
	active  int
	drained chan struct{} // closed when active drops to zero
}

func NewEngine(p Submitter, opts Options) *Engine {
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if opts.CapacityBackoff <= 0 {
		opts.CapacityBackoff = defaultCapacityBackoff
	}
	if opts.CapacityRetries < 0 {
		opts.CapacityRetries = 0
	}
	return &Engine{pool: p, opts: opts}
}

// Validate checks the preconditions of a run without starting it.
func Validate(files []File, steps []Step) error {
	if len(files) == 0 {
		return &PreconditionError{Err: ErrNoFiles}
	}
	if len(steps) == 0 {
		return &PreconditionError{Err: ErrNoSteps}
	}
	seen := make(map[string]struct{}, len(steps))
	for _, s := range steps {
		if !s.Type.Known() {
			return &PreconditionError{Err: fmt.Errorf("%w: %q", ErrUnknownStep, s.Type)}
		}
		if s.ID == "" {
			continue
		}
		if _, dup := seen[s.ID]; dup {
			return &PreconditionError{Err: fmt.Errorf("%w: %s", ErrDuplicateStep, s.ID)}
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Run validates the run and starts it in the background. A precondition
// failure is returned synchronously and no callback is invoked. On success
// OnStart has been called by the time Run returns, and exactly one of
// OnComplete or OnError follows later.
func (e *Engine) Run(ctx context.Context, run Run, cb Callbacks) error {
	if err := Validate(run.Files, run.Steps); err != nil {
		return err
	}
	p := newPlan(run.Files, CloneSteps(run.Steps))

	if cb.OnStart != nil {
		cb.OnStart()
	}
	log.Info().
		Str("job_id", run.ID).
		Int("files", len(run.Files)).
		Int("steps", len(run.Steps)).
		Int("total_steps", p.total).
		Msg("workflow started")

	e.begin()
	go func() {
		defer e.end()
		e.drive(ctx, run.ID, p, cb)
	}()
	return nil
}

// Wait blocks until the runs active at the time of the call, and any started
// while it waits, have delivered their final callback, or ctx is done.
// Returns true if all runs finished. Run may be called concurrently.
func (e *Engine) Wait(ctx context.Context) bool {
	e.mu.Lock()
	if e.active == 0 {
		e.mu.Unlock()
		return true
	}
	drained := e.drained
	e.mu.Unlock()

	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) begin() {
	e.mu.Lock()
	if e.active == 0 {
		e.drained = make(chan struct{})
	}
	e.active++
	e.mu.Unlock()
}

func (e *Engine) end() {
	e.mu.Lock()
	e.active--
	if e.active == 0 {
		close(e.drained)
	}
	e.mu.Unlock()
}

// plan splits the step list at the first combining step.
type plan struct {
	files  []File
	prefix []Step
	suffix []Step
	total  int
}

func newPlan(files []File, steps []Step) plan {
	cut := len(steps)
	for i, s := range steps {
		if s.Type.Combining() {
			cut = i
			break
		}
	}
	p := plan{files: files, prefix: steps[:cut], suffix: steps[cut:]}
	p.total = len(files)*len(p.prefix) + len(p.suffix)
	return p
}

type lane struct {
	file  string
	stem  string
	ext   string
	docs  [][]byte
	steps []Step
	meta  map[string]string
	err   error
}

func newLane(f File, steps []Step) *lane {
	base := filepath.Base(strings.ReplaceAll(f.Name, "\\", "/"))
	ext := filepath.Ext(base)
	return &lane{
		file:  f.Name,
		stem:  strings.TrimSuffix(base, ext),
		ext:   ext,
		docs:  [][]byte{f.Data},
		steps: steps,
	}
}

// progressEvent reports finished (or skipped) steps of one lane.
type progressEvent struct {
	steps int
	err   error
}

// tracker lives on the driver goroutine and owns progress accounting.
type tracker struct {
	total    int
	done     int
	reported int
	firstErr error
	cb       Callbacks
}

func (t *tracker) observe(ev progressEvent) {
	t.done += ev.steps
	if ev.err != nil && t.firstErr == nil {
		t.firstErr = ev.err
	}
	if t.total == 0 {
		return
	}
	pct := t.done * 100 / t.total
	if pct > 100 {
		pct = 100
	}
	if pct > t.reported {
		t.reported = pct
		if t.cb.OnProgress != nil {
			t.cb.OnProgress(pct)
		}
	}
}

func (e *Engine) drive(ctx context.Context, runID string, p plan, cb Callbacks) {
	t := &tracker{total: p.total, cb: cb}

	lanes := make([]*lane, len(p.files))
	for i, f := range p.files {
		lanes[i] = newLane(f, p.prefix)
	}
	e.runPhase(ctx, runID, lanes, t)

	survivors := make([]*lane, 0, len(lanes))
	for _, l := range lanes {
		if l.err == nil {
			survivors = append(survivors, l)
		}
	}

	if len(p.suffix) > 0 {
		if len(survivors) == 0 {
			t.observe(progressEvent{steps: len(p.suffix)})
		} else {
			combined := &lane{
				file:  mergedStem,
				stem:  mergedStem,
				ext:   survivors[0].ext,
				steps: p.suffix,
				meta:  map[string]string{},
			}
			for _, l := range survivors {
				combined.docs = append(combined.docs, l.docs...)
				maps.Copy(combined.meta, l.meta)
			}
			e.runPhase(ctx, runID, []*lane{combined}, t)
			survivors = survivors[:0]
			if combined.err == nil {
				survivors = append(survivors, combined)
			}
		}
	}

	if len(survivors) == 0 {
		err := t.firstErr
		if err == nil {
			err = errors.New("no lane produced output")
		}
		log.Warn().Str("job_id", runID).Err(err).Msg("workflow failed: every lane failed")
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return
	}

	artifacts := make([]Artifact, 0, len(survivors))
	used := make(map[string]int, len(survivors))
	for _, l := range survivors {
		data := l.docs[0]
		artifacts = append(artifacts, Artifact{
			Name: archive.UniqueName(l.stem+e.opts.Suffix+l.ext, used),
			Data: data,
			Size: len(data),
			Meta: l.meta,
		})
	}
	log.Info().
		Str("job_id", runID).
		Int("artifacts", len(artifacts)).
		Int("dropped_lanes", len(p.files)-len(artifacts)).
		Msg("workflow finished")
	if cb.OnComplete != nil {
		cb.OnComplete(artifacts)
	}
}

// runPhase runs lanes concurrently and feeds their progress to t on the
// calling goroutine. It returns after every lane finished.
func (e *Engine) runPhase(ctx context.Context, runID string, lanes []*lane, t *tracker) {
	events := make(chan progressEvent)
	var g errgroup.Group
	for _, l := range lanes {
		g.Go(func() error {
			e.runLane(ctx, runID, l, events)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(events)
	}()
	for ev := range events {
		t.observe(ev)
	}
}

func (e *Engine) runLane(ctx context.Context, runID string, l *lane, events chan<- progressEvent) {
	for i, step := range l.steps {
		if err := e.runStep(ctx, l, step); err != nil {
			l.err = &StepError{StepID: step.ID, Kind: step.Type, File: l.file, Err: err}
			log.Warn().
				Str("job_id", runID).
				Str("step_id", step.ID).
				Str("kind", step.Type.String()).
				Str("file", l.file).
				Err(err).
				Msg("lane failed")
			// remaining steps are skipped but still count towards progress
			events <- progressEvent{steps: len(l.steps) - i, err: l.err}
			return
		}
		events <- progressEvent{steps: 1}
	}
}

func (e *Engine) runStep(ctx context.Context, l *lane, step Step) error {
	settings, err := transform.ParseSettings(step.Type, step.Settings)
	if err != nil {
		return err
	}
	if step.Type == transform.KindNoop {
		return nil
	}
	in := transform.Input{Name: l.stem + l.ext, Documents: l.docs, Settings: settings}
	h, err := e.submit(ctx, step.Type, in)
	if err != nil {
		return err
	}
	out, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if out.Data == nil {
		return fmt.Errorf("%s produced no document", step.Type)
	}
	l.docs = [][]byte{out.Data}
	if out.Ext != "" {
		l.ext = out.Ext
	}
	if len(out.Meta) > 0 {
		if l.meta == nil {
			l.meta = make(map[string]string, len(out.Meta))
		}
		maps.Copy(l.meta, out.Meta)
	}
	return nil
}

// submit retries pool.ErrCapacity with exponential backoff and jitter.
func (e *Engine) submit(ctx context.Context, kind transform.Kind, in transform.Input) (*pool.Handle, error) {
	delay := e.opts.CapacityBackoff
	for attempt := 0; ; attempt++ {
		h, err := e.pool.Submit(ctx, kind, in)
		if !errors.Is(err, pool.ErrCapacity) || attempt >= e.opts.CapacityRetries {
			return h, err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay)/2+1))
		log.Debug().
			Str("kind", kind.String()).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("pool at capacity, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, maxCapacityBackoff)
	}
}
