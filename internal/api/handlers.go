package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"docpipe/internal/archive"
	"docpipe/internal/jobs"
	"docpipe/internal/pool"
	"docpipe/internal/workflow"
)

// StatsSource reports execution pool statistics.
type StatsSource interface {
	Stats() pool.Stats
}

type Options struct {
	AllowedExtensions []string
	MaxUploadMB       int64
	// RetainTerminalJobs bounds finished jobs kept in the store; 0 keeps all.
	RetainTerminalJobs int
}

type API struct {
	store             *jobs.Store
	pool              StatsSource
	allowedExtensions map[string]struct{}
	maxUploadBytes    int64
	retainTerminal    int
	upgrader          websocket.Upgrader
	closing           chan struct{}
	closeOnce         sync.Once
}

const (
	defaultMaxUploadMB = 64
	bytesPerMB         = 1 << 20
)

type createJobResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

type artifactResponse struct {
	Name string            `json:"name"`
	Size int               `json:"size"`
	Meta map[string]string `json:"meta,omitempty"`
	URL  string            `json:"url"`
}

type jobResponse struct {
	ID         string             `json:"id"`
	Label      string             `json:"label"`
	Status     jobs.Status        `json:"status"`
	Progress   int                `json:"progress"`
	Inputs     []workflow.File    `json:"inputs"`
	Steps      []workflow.Step    `json:"steps"`
	Result     []artifactResponse `json:"result,omitempty"`
	Error      *jobs.JobError     `json:"error,omitempty"`
	ArchiveURL string             `json:"archive_url,omitempty"`
	CreatedAt  string             `json:"created_at"`
	UpdatedAt  string             `json:"updated_at"`
}

func NewAPI(store *jobs.Store, stats StatsSource, opts Options) *API {
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = defaultMaxUploadMB
	}
	return &API{
		store:             store,
		pool:              stats,
		allowedExtensions: allowed,
		maxUploadBytes:    opts.MaxUploadMB * bytesPerMB,
		retainTerminal:    opts.RetainTerminalJobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/jobs", a.CreateJob)
		api.GET("/jobs", a.ListJobs)
		api.GET("/jobs/stream", a.StreamJobs)
		api.GET("/jobs/:id", a.GetJob)
		api.DELETE("/jobs/:id", a.DeleteJob)
		api.GET("/jobs/:id/artifacts/:index", a.DownloadArtifact)
		api.GET("/jobs/:id/archive", a.DownloadArchive)
		api.GET("/pool", a.PoolStats)
	}
}

// CreateJob accepts a multipart upload (files, steps, label) and enqueues it.
func (a *API) CreateJob(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("rejecting upload: too large")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		log.Warn().Err(err).Msg("invalid create job request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

	steps, err := parseSteps(form.Value["steps"])
	if err != nil {
		log.Warn().Err(err).Msg("invalid steps")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	files, err := a.readFiles(form.File["files"])
	if err != nil {
		log.Warn().Err(err).Msg("invalid files")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	label := ""
	if v := form.Value["label"]; len(v) > 0 {
		label = strings.TrimSpace(v[0])
	}
	id := a.store.Enqueue(files, steps, label, jobs.Callbacks{
		OnComplete: func([]workflow.Artifact) { a.prune() },
		OnError:    func(error) { a.prune() },
	})
	job, _ := a.store.Get(id)
	c.JSON(http.StatusAccepted, createJobResponse{JobID: id, Status: job.Status})
}

// ListJobs returns all jobs, newest first, optionally filtered by ?status=.
func (a *API) ListJobs(c *gin.Context) {
	status := jobs.Status(c.Query("status"))
	switch status {
	case "", jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusSuccess, jobs.StatusError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status parameter"})
		return
	}
	all := a.store.List()
	out := make([]jobResponse, 0, len(all))
	for _, job := range all {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, toJobResponse(job))
	}
	c.JSON(http.StatusOK, out)
}

// GetJob returns a single job
func (a *API) GetJob(c *gin.Context) {
	id := c.Param("id")
	if job, ok := a.store.Get(id); ok {
		c.JSON(http.StatusOK, toJobResponse(job))
		return
	}
	log.Warn().Str("job_id", id).Msg("job not found on get")
	c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
}

// DeleteJob evicts a finished job
func (a *API) DeleteJob(c *gin.Context) {
	id := c.Param("id")
	switch err := a.store.Evict(id); {
	case err == nil:
		log.Info().Str("job_id", id).Msg("job evicted")
		c.Status(http.StatusNoContent)
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// DownloadArtifact serves one artifact of a successful job
func (a *API) DownloadArtifact(c *gin.Context) {
	job, ok := a.finishedJob(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= len(job.Result) {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return
	}
	artifact := job.Result[index]
	if artifact.Data == nil {
		c.JSON(http.StatusGone, gin.H{"error": "artifact content no longer available"})
		return
	}
	log.Info().Str("job_id", job.ID).Str("artifact", artifact.Name).Msg("serving artifact download")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	c.Data(http.StatusOK, contentType(artifact.Name), artifact.Data)
}

// DownloadArchive zips every artifact of a successful job
func (a *API) DownloadArchive(c *gin.Context) {
	job, ok := a.finishedJob(c)
	if !ok {
		return
	}
	entries := make([]archive.Entry, 0, len(job.Result))
	for _, artifact := range job.Result {
		entries = append(entries, archive.Entry{Name: artifact.Name, Data: artifact.Data})
	}
	data, results, err := archive.Build(entries)
	if err != nil {
		log.Warn().Str("job_id", job.ID).Err(err).Msg("archive build failed")
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("job_id", job.ID).Int("entries", len(results)).Msg("serving archive download")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "job-"+job.ID+".zip"))
	c.Data(http.StatusOK, "application/zip", data)
}

// PoolStats reports execution pool load
func (a *API) PoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.pool.Stats())
}

// finishedJob loads the job named in the path and requires it to have
// succeeded. It writes the error response itself.
func (a *API) finishedJob(c *gin.Context) (jobs.Job, bool) {
	id := c.Param("id")
	job, ok := a.store.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return jobs.Job{}, false
	}
	if job.Status != jobs.StatusSuccess {
		log.Warn().Str("job_id", id).Str("status", string(job.Status)).Msg("artifacts not ready to download")
		c.JSON(http.StatusConflict, gin.H{"error": "job has no artifacts", "status": job.Status})
		return jobs.Job{}, false
	}
	return job, true
}

func (a *API) prune() {
	if a.retainTerminal <= 0 {
		return
	}
	a.store.PruneTerminal(a.retainTerminal)
}

func (a *API) readFiles(headers []*multipart.FileHeader) ([]workflow.File, error) {
	files := make([]workflow.File, 0, len(headers))
	for _, fh := range headers {
		ext := strings.ToLower(filepath.Ext(fh.Filename))
		if _, ok := a.allowedExtensions[ext]; !ok {
			return nil, fmt.Errorf("extension not allowed: %q", ext)
		}
		data, err := readUpload(fh)
		if err != nil {
			return nil, err
		}
		files = append(files, workflow.NewFile(fh.Filename, data))
	}
	return files, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return data, nil
}

// parseSteps decodes the JSON step list and runs it through a Pipeline so
// missing ids are assigned and duplicates rejected.
func parseSteps(values []string) ([]workflow.Step, error) {
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return nil, nil
	}
	var steps []workflow.Step
	if err := sonic.UnmarshalString(values[0], &steps); err != nil {
		return nil, fmt.Errorf("invalid steps json: %w", err)
	}
	p, err := workflow.NewPipeline(steps...)
	if err != nil {
		return nil, err
	}
	return p.Steps(), nil
}

func toJobResponse(job jobs.Job) jobResponse {
	resp := jobResponse{
		ID:        job.ID,
		Label:     job.Label,
		Status:    job.Status,
		Progress:  job.Progress,
		Inputs:    job.Inputs,
		Steps:     job.Steps,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.Status == jobs.StatusSuccess {
		base := "/api/v1/jobs/" + job.ID
		for i, artifact := range job.Result {
			resp.Result = append(resp.Result, artifactResponse{
				Name: artifact.Name,
				Size: artifact.Size,
				Meta: artifact.Meta,
				URL:  base + "/artifacts/" + strconv.Itoa(i),
			})
		}
		resp.ArchiveURL = base + "/archive"
	}
	return resp
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
