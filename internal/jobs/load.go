package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const interruptedMessage = "interrupted by restart"

// LoadFromDisk restores journaled jobs. Jobs that were still queued or
// processing when the previous process stopped are marked as error.
func (s *Store) LoadFromDisk() error {
	if s.journal == nil {
		return nil
	}
	loaded, err := s.journal.LoadJobs(context.Background())
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, job := range loaded {
		interrupted := !job.Status.Terminal()
		if interrupted {
			job.Status = StatusError
			job.Progress = 100
			job.Result = nil
			job.Error = &JobError{Message: interruptedMessage}
			job.UpdatedAt = time.Now()
		}
		// records written before secrets were masked
		job.Steps = recordSteps(job.Steps)

		s.mu.Lock()
		s.jobs[job.ID] = job
		s.mu.Unlock()
		if interrupted {
			s.persist(job.ID)
		}
	}
	log.Info().Int("jobs", len(loaded)).Msg("restored jobs from journal")
	s.publish()
	return nil
}
