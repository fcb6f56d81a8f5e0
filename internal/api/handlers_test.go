package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"docpipe/internal/jobs"
	"docpipe/internal/pdftest"
	"docpipe/internal/pool"
	"docpipe/internal/transform"
	"docpipe/internal/workflow"
)

type fixture struct {
	router *gin.Engine
	store  *jobs.Store
	api    *API
}

func newFixture(t *testing.T, reg *transform.Registry, opts Options) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	p := pool.New(reg, pool.Options{Units: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Close(ctx)
	})
	if opts.AllowedExtensions == nil {
		opts.AllowedExtensions = []string{".pdf"}
	}
	store := jobs.NewStore(workflow.NewEngine(p, workflow.Options{}), nil)
	apiHandler := NewAPI(store, p, opts)
	router := gin.New()
	router.Use(RequestID(), ZerologLogger())
	apiHandler.RegisterRoutes(router)
	return &fixture{router: router, store: store, api: apiHandler}
}

type upload struct {
	name string
	data []byte
}

func multipartBody(t *testing.T, files []upload, steps, label string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for _, f := range files {
		w, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := w.Write(f.data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if steps != "" {
		_ = mw.WriteField("steps", steps)
	}
	if label != "" {
		_ = mw.WriteField("label", label)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return body, mw.FormDataContentType()
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createJob(t *testing.T, files []upload, steps string) (*httptest.ResponseRecorder, createJobResponse) {
	t.Helper()
	body, contentType := multipartBody(t, files, steps, "test job")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := f.do(t, req)
	var resp createJobResponse
	if w.Code == http.StatusAccepted {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
	}
	return w, resp
}

func (f *fixture) waitTerminal(t *testing.T, id string) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := f.store.Get(id); ok && job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for job %s", id)
	return jobs.Job{}
}

const rotateCompress = `[{"id":"rot","type":"rotate","settings":{"angle":90}},{"id":"cmp","type":"compress","settings":{"quality":0.7}}]`

func TestCreateJobProcessesAndServesArtifacts(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{})

	w, created := f.createJob(t, []upload{{"report.pdf", pdftest.Document(2)}}, rotateCompress)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	if created.JobID == "" {
		t.Fatalf("expected non-empty job_id")
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
	job := f.waitTerminal(t, created.JobID)
	if job.Status != jobs.StatusSuccess {
		t.Fatalf("expected success, got %s (%+v)", job.Status, job.Error)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.JobID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal job: %v", err)
	}
	if resp.Progress != 100 || len(resp.Result) != 1 || resp.Label != "test job" {
		t.Fatalf("unexpected job response: %+v", resp)
	}
	if resp.Result[0].Name != "report_processed.pdf" || resp.ArchiveURL == "" {
		t.Fatalf("unexpected artifact: %+v", resp.Result[0])
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, resp.Result[0].URL, nil))
	if w.Code != http.StatusOK || !bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("expected pdf download, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content type %q", ct)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, resp.ArchiveURL, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected archive, got %d", w.Code)
	}
	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "report_processed.pdf" {
		t.Fatalf("unexpected archive entries: %d", len(zr.File))
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.JobID+"/artifacts/7", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing artifact, got %d", w.Code)
	}
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{MaxUploadMB: 1})

	w, _ := f.createJob(t, []upload{{"a.exe", []byte("MZ")}}, rotateCompress)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "extension not allowed") {
		t.Fatalf("expected extension error, got %d %s", w.Code, w.Body.String())
	}

	w, _ = f.createJob(t, []upload{{"a.pdf", pdftest.Document(1)}}, `{"not":"a list"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected bad steps error, got %d", w.Code)
	}

	w, _ = f.createJob(t, []upload{{"a.pdf", pdftest.Document(1)}}, `[{"id":"x","type":"rotate"},{"id":"x","type":"noop"}]`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected duplicate step error, got %d", w.Code)
	}

	big := bytes.Repeat([]byte("a"), 2<<20)
	w, _ = f.createJob(t, []upload{{"big.pdf", big}}, rotateCompress)
	if w.Code != http.StatusRequestEntityTooLarge && w.Code != http.StatusBadRequest {
		t.Fatalf("expected oversized upload to be rejected, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	if w := f.do(t, req); w.Code != http.StatusBadRequest {
		t.Fatalf("expected non-multipart request to fail, got %d", w.Code)
	}
}

func TestCreateJobWithoutFilesIsImmediateError(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{})

	w, created := f.createJob(t, nil, rotateCompress)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, w.Code)
	}
	if created.Status != jobs.StatusError {
		t.Fatalf("expected error status right away, got %s", created.Status)
	}
	job, _ := f.store.Get(created.JobID)
	if job.Error == nil || !strings.Contains(job.Error.Message, "no input files") {
		t.Fatalf("expected precondition message, got %+v", job.Error)
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.JobID+"/archive", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for failed job archive, got %d", w.Code)
	}
}

func TestJobViewMasksPasswords(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{})

	_, created := f.createJob(t, nil, `[{"id":"lock","type":"add-password","settings":{"userPassword":"hunter2"}}]`)
	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.JobID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Fatalf("job view leaks password: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), transform.Redacted) {
		t.Fatalf("expected masked setting in %s", w.Body.String())
	}
}

func TestGetUnknownJob(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{})
	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteJob(t *testing.T) {
	release := make(chan struct{})
	reg := transform.NewRegistry()
	reg.Register(transform.KindRotate, func(_ context.Context, in transform.Input) (transform.Output, error) {
		<-release
		return transform.Output{Data: in.Document()}, nil
	})
	f := newFixture(t, reg, Options{})

	_, created := f.createJob(t, []upload{{"a.pdf", []byte("%PDF")}}, `[{"id":"r","type":"rotate"}]`)
	w := f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 while active, got %d", w.Code)
	}

	close(release)
	f.waitTerminal(t, created.JobID)
	w = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = f.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+created.JobID, nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after eviction, got %d", w.Code)
	}
}

func TestListJobsAndRetention(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{RetainTerminalJobs: 2})

	for range 4 {
		_, created := f.createJob(t, nil, rotateCompress)
		if created.Status != jobs.StatusError {
			t.Fatalf("expected immediate error, got %s", created.Status)
		}
		time.Sleep(2 * time.Millisecond)
	}

	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=error", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []jobResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to unmarshal list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected retention to keep 2 jobs, got %d", len(list))
	}

	w = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=bogus", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad filter, got %d", w.Code)
	}
}

func TestPoolStats(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{})
	w := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/pool", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats pool.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to unmarshal stats: %v", err)
	}
	if stats.Units != 2 || stats.Busy != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStreamPushesSnapshots(t *testing.T) {
	f := newFixture(t, transform.Builtin(), Options{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	defer f.api.CloseStreams()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/jobs/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg streamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if msg.Type != "initial_jobs" || len(msg.Jobs) != 0 {
		t.Fatalf("unexpected initial message: %+v", msg)
	}

	body, contentType := multipartBody(t, []upload{{"a.pdf", pdftest.Document(1)}}, `[{"type":"rotate"}]`, "")
	resp, err := http.Post(srv.URL+"/api/v1/jobs", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if msg.Type != "jobs_update" {
			t.Fatalf("unexpected message type %q", msg.Type)
		}
		if len(msg.Jobs) == 1 && msg.Jobs[0].Status == jobs.StatusSuccess {
			if len(msg.Jobs[0].Steps) != 1 || msg.Jobs[0].Steps[0].ID == "" {
				t.Fatalf("expected generated step id, got %+v", msg.Jobs[0].Steps)
			}
			return
		}
	}
}
