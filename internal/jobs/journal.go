package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"

	fileutil "docpipe/internal/file"
)

// Journal persists job records across restarts. The default implementation
// is file based; the interface leaves room for a database-backed one.
type Journal interface {
	SaveJob(ctx context.Context, job *Job) error
	LoadJobs(ctx context.Context) ([]*Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// fileJournal lays jobs out as
//
//	<dataDir>/jobs/<id>/status.json
//	<dataDir>/jobs/<id>/artifacts/<index>
type fileJournal struct {
	dataDir string
}

func NewFileJournal(dataDir string) Journal { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileJournal{dataDir: dataDir}
}

func (j *fileJournal) jobDir(id string) string {
	return filepath.Join(j.dataDir, "jobs", id)
}

func (j *fileJournal) statusPath(id string) string {
	return filepath.Join(j.jobDir(id), "status.json")
}

func (j *fileJournal) artifactPath(id string, index int) string {
	return filepath.Join(j.jobDir(id), "artifacts", strconv.Itoa(index))
}

// SaveJob writes the record and, once the job succeeded, its artifact bytes.
func (j *fileJournal) SaveJob(_ context.Context, job *Job) error {
	if job.Status == StatusSuccess {
		for i, a := range job.Result {
			if a.Data == nil {
				continue
			}
			if err := fileutil.WriteFileAtomic(j.artifactPath(job.ID, i), a.Data); err != nil {
				return fmt.Errorf("save artifact %d: %w", i, err)
			}
		}
	}
	return fileutil.WriteJSONAtomic(j.statusPath(job.ID), job) //nolint:wrapcheck
}

func (j *fileJournal) LoadJobs(_ context.Context) ([]*Job, error) {
	root := filepath.Join(j.dataDir, "jobs")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var job Job
		if err := fileutil.ReadJSON(j.statusPath(e.Name()), &job); err != nil {
			log.Warn().Str("job_id", e.Name()).Err(err).Msg("skipping unreadable job record")
			continue
		}
		for i := range job.Result {
			data, err := os.ReadFile(j.artifactPath(job.ID, i)) //nolint:gosec // path is controlled by application
			if err != nil {
				log.Warn().Str("job_id", job.ID).Int("artifact", i).Err(err).Msg("artifact bytes missing")
				continue
			}
			job.Result[i].Data = data
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (j *fileJournal) DeleteJob(_ context.Context, id string) error {
	if err := os.RemoveAll(j.jobDir(id)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}
