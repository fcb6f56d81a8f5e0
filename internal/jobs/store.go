package jobs

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"docpipe/internal/workflow"
)

// Runner starts workflow runs. workflow.Engine implements it.
type Runner interface {
	Run(ctx context.Context, run workflow.Run, cb workflow.Callbacks) error
	Wait(ctx context.Context) bool
}

// Store is the registry of jobs. UpdateJob is the only mutation path;
// observers get copies through Get, Snapshot, List and Subscribe.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	runner  Runner
	journal Journal
	baseCtx context.Context

	// journalMu orders journal writes with deletes so an evicted job is never
	// written back.
	journalMu sync.Mutex

	// pubMu serializes snapshot delivery so subscribers never see an older
	// snapshot after a newer one.
	pubMu   sync.Mutex
	subs    map[int]chan map[string]Job
	nextSub int
}

// NewStore creates a store driving runner. journal may be nil.
func NewStore(runner Runner, journal Journal) *Store {
	return &Store{
		jobs:    make(map[string]*Job),
		runner:  runner,
		journal: journal,
		baseCtx: context.Background(),
		subs:    make(map[int]chan map[string]Job),
	}
}

// SetBaseContext sets the context runs are started with. Intended to be set
// at process startup and cancelled during shutdown.
func (s *Store) SetBaseContext(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

// Enqueue records a queued job, hands it to the engine and returns its id
// without waiting for completion. When the run cannot start the job is marked
// error and cb.OnError is called before Enqueue returns.
func (s *Store) Enqueue(files []workflow.File, steps []workflow.Step, label string, cb Callbacks) string {
	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Label:     label,
		Inputs:    slices.Clone(files),
		Steps:     recordSteps(steps),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id := job.ID

	s.mu.Lock()
	s.jobs[id] = job
	ctx := s.baseCtx
	s.mu.Unlock()
	s.persist(id)
	s.publish()
	log.Info().Str("job_id", id).Str("label", label).Int("files", len(files)).Msg("job queued")

	// the engine takes its own copy of steps before Run returns
	err := s.runner.Run(ctx, workflow.Run{ID: id, Files: job.Inputs, Steps: steps}, workflow.Callbacks{
		OnStart: func() {
			s.apply(id, Patch{Status: StatusProcessing})
		},
		OnProgress: func(percent int) {
			s.apply(id, ProgressPatch(percent))
		},
		OnComplete: func(artifacts []workflow.Artifact) {
			s.apply(id, SuccessPatch(artifacts))
			log.Info().Str("job_id", id).Int("artifacts", len(artifacts)).Msg("job succeeded")
			if cb.OnComplete != nil {
				cb.OnComplete(artifacts)
			}
		},
		OnError: func(err error) {
			s.apply(id, ErrorPatch(err))
			log.Warn().Str("job_id", id).Err(err).Msg("job failed")
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
	})
	if err != nil {
		s.apply(id, ErrorPatch(err))
		log.Warn().Str("job_id", id).Err(err).Msg("job rejected")
		if cb.OnError != nil {
			cb.OnError(err)
		}
	}
	return id
}

func (s *Store) apply(id string, patch Patch) {
	if err := s.UpdateJob(id, patch); err != nil {
		log.Warn().Str("job_id", id).Str("status", string(patch.Status)).Err(err).Msg("job update rejected")
	}
}

// UpdateJob merges patch into the job. It enforces the state machine, keeps
// progress monotonic and sets exactly one of result or error on the terminal
// transition, with progress driven to 100.
func (s *Store) UpdateJob(id string, patch Patch) error {
	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if current.Status.Terminal() {
		s.mu.Unlock()
		return ErrJobFinished
	}

	next := *current
	if patch.Status != "" && patch.Status != current.Status {
		if !canTransition(current.Status, patch.Status) {
			s.mu.Unlock()
			return ErrInvalidTransition
		}
		next.Status = patch.Status
	}
	if !next.Status.Terminal() && (patch.Result != nil || patch.Error != nil) {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	if patch.Progress != nil && *patch.Progress > next.Progress {
		next.Progress = min(*patch.Progress, 100)
	}
	switch next.Status {
	case StatusSuccess:
		next.Result = patch.Result
		if next.Result == nil {
			next.Result = []workflow.Artifact{}
		}
		next.Error = nil
		next.Progress = 100
	case StatusError:
		next.Error = patch.Error
		if next.Error == nil {
			next.Error = &JobError{Message: "unknown error"}
		}
		next.Result = nil
		next.Progress = 100
	}
	next.UpdatedAt = time.Now()
	s.jobs[id] = &next
	s.mu.Unlock()

	if next.Status != current.Status {
		s.persist(id)
	}
	s.publish()
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Snapshot returns a copy of the whole registry.
func (s *Store) Snapshot() map[string]Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Job, len(s.jobs))
	for id, job := range s.jobs {
		out[id] = *job
	}
	return out
}

// List returns every job, newest first.
func (s *Store) List() []Job {
	snap := s.Snapshot()
	out := make([]Job, 0, len(snap))
	for _, job := range snap {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Subscribe returns a channel that receives the current snapshot right away
// and a fresh one after every change. Delivery is latest-wins: a slow
// observer skips intermediate snapshots. Call the returned func to stop.
func (s *Store) Subscribe() (<-chan map[string]Job, func()) {
	ch := make(chan map[string]Job, 1)
	s.pubMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.Snapshot()
	s.pubMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.pubMu.Lock()
			delete(s.subs, id)
			close(ch)
			s.pubMu.Unlock()
		})
	}
}

func (s *Store) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot the observer has not read yet
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// Evict removes a finished job. Active jobs cannot be evicted.
func (s *Store) Evict(id string) error {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if !job.Status.Terminal() {
		s.mu.Unlock()
		return ErrJobActive
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.DeleteJob(context.Background(), id); err != nil {
			log.Warn().Str("job_id", id).Err(err).Msg("delete job record failed")
		}
	}
	s.publish()
	return nil
}

// PruneTerminal evicts finished jobs beyond the keep most recently updated
// ones and returns the evicted ids.
func (s *Store) PruneTerminal(keep int) []string {
	if keep < 0 {
		keep = 0
	}
	s.mu.RLock()
	finished := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			finished = append(finished, job)
		}
	}
	s.mu.RUnlock()
	if len(finished) <= keep {
		return nil
	}

	sort.Slice(finished, func(i, j int) bool { return finished[i].UpdatedAt.After(finished[j].UpdatedAt) })
	evicted := make([]string, 0, len(finished)-keep)
	for _, job := range finished[keep:] {
		if err := s.Evict(job.ID); err == nil {
			evicted = append(evicted, job.ID)
		}
	}
	if len(evicted) > 0 {
		log.Debug().Int("evicted", len(evicted)).Int("kept", keep).Msg("pruned finished jobs")
	}
	return evicted
}

// WaitAll blocks until all running jobs reached a terminal status or the
// context is done. Returns true if everything finished.
func (s *Store) WaitAll(ctx context.Context) bool {
	return s.runner.Wait(ctx)
}

// persist writes the current record of id. Evicted jobs are not written.
func (s *Store) persist(id string) {
	if s.journal == nil {
		return
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	s.mu.RLock()
	current, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.journal.SaveJob(context.Background(), current); err != nil { // best-effort
		log.Warn().Str("job_id", id).Err(err).Msg("persist job failed")
	}
}
