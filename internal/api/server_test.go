package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/metrics"
	"github.com/JakeFAU/scraper-intel/internal/progress"
	"github.com/JakeFAU/scraper-intel/internal/runner"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

type fakeRunner struct {
	mu        sync.Mutex
	submitted []scrape.JobConfig
	submitErr error
	jobs      map[string]scrape.Job
	results   map[string]scrape.JobResult
	cancelled map[string]bool
	history   []progress.Event
	waitErr   error
	waitedFor time.Duration
	stats     runner.Stats
	listeners chan progress.Listener
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		jobs:      make(map[string]scrape.Job),
		results:   make(map[string]scrape.JobResult),
		cancelled: make(map[string]bool),
		listeners: make(chan progress.Listener, 1),
	}
}

func (f *fakeRunner) SubmitJob(cfg scrape.JobConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, cfg)
	return fmt.Sprintf("job-%d", len(f.submitted)), nil
}

func (f *fakeRunner) SubmitBatch(cfgs []scrape.JobConfig) ([]string, error) {
	ids := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		id, err := f.SubmitJob(cfg)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRunner) GetJob(id string) (scrape.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	return job, ok
}

func (f *fakeRunner) GetJobResult(id string) (scrape.JobResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	return res, ok
}

func (f *fakeRunner) CancelJob(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs[id].Status.IsTerminal() {
		return false
	}
	f.cancelled[id] = true
	return true
}

func (f *fakeRunner) WaitForJob(_ context.Context, id string, timeout time.Duration) (scrape.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitedFor = timeout
	if _, ok := f.jobs[id]; !ok {
		return scrape.JobResult{}, runner.ErrJobNotFound
	}
	if f.waitErr != nil {
		return scrape.JobResult{}, f.waitErr
	}
	return f.results[id], nil
}

func (f *fakeRunner) Stats() runner.Stats { return f.stats }

func (f *fakeRunner) Subscribe(_ string, fn progress.Listener) func() {
	f.listeners <- fn
	return func() {}
}

func (f *fakeRunner) History(string) []progress.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]progress.Event(nil), f.history...)
}

func newTestServer(t *testing.T, fr *fakeRunner, cfg Config) *Server {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return NewServer(fr, m, nil, cfg, zap.NewNop())
}

func serve(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitJob(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	s := newTestServer(t, fr, Config{})

	rec := serve(s, http.MethodPost, "/v1/jobs", []byte(`{
		"url": "https://acme.example/careers",
		"platform": "website",
		"tenant_id": "t1",
		"priority": "urgent",
		"max_retries": 0,
		"timeout_ms": 1500,
		"context": {"headcount": 40}
	}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Len(t, fr.submitted, 1)
	cfg := fr.submitted[0]
	require.Equal(t, scrape.PriorityUrgent, cfg.Priority)
	require.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	require.Equal(t, -1, cfg.MaxRetries, "explicit zero disables retries")
	require.Contains(t, cfg.Context, "headcount")
}

func TestServer_SubmitJobErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{"invalid json", `{"url":`, nil, http.StatusBadRequest},
		{"bad priority", `{"url":"https://a.example","priority":"asap"}`, nil, http.StatusBadRequest},
		{"negative timeout", `{"url":"https://a.example","timeout_ms":-1}`, nil, http.StatusBadRequest},
		{"runner rejects", `{"url":"ftp://a.example"}`, fmt.Errorf("url: %w", runner.ErrInvalidJob), http.StatusBadRequest},
		{"shutting down", `{"url":"https://a.example"}`, runner.ErrShuttingDown, http.StatusServiceUnavailable},
		{"internal", `{"url":"https://a.example"}`, fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fr := newFakeRunner()
			fr.submitErr = tc.submitErr
			s := newTestServer(t, fr, Config{})
			rec := serve(s, http.MethodPost, "/v1/jobs", []byte(tc.body))
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_SubmitBatch(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	s := newTestServer(t, fr, Config{})

	rec := serve(s, http.MethodPost, "/v1/jobs/batch", []byte(`{"jobs":[
		{"url":"https://a.example"},
		{"url":"https://b.example","priority":"low"}
	]}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var out struct {
		JobIDs []string `json:"job_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, []string{"job-1", "job-2"}, out.JobIDs)

	rec = serve(s, http.MethodPost, "/v1/jobs/batch", []byte(`{"jobs":[]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodPost, "/v1/jobs/batch", []byte(`{"jobs":[{"url":"https://a.example","priority":"nope"}]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "jobs[0]")
}

func TestServer_GetAndCancelJob(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.jobs["done"] = scrape.Job{ID: "done", Status: scrape.StatusCompleted}
	fr.results["done"] = scrape.JobResult{JobID: "done", Status: scrape.StatusCompleted, LeadScore: 42}
	fr.jobs["queued"] = scrape.Job{ID: "queued", Status: scrape.StatusPending}
	s := newTestServer(t, fr, Config{})

	rec := serve(s, http.MethodGet, "/v1/jobs/done", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"lead_score":42`)

	rec = serve(s, http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, http.MethodPost, "/v1/jobs/queued/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, fr.cancelled["queued"])

	rec = serve(s, http.MethodPost, "/v1/jobs/done/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(s, http.MethodPost, "/v1/jobs/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_WaitJob(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.jobs["j"] = scrape.Job{ID: "j", Status: scrape.StatusCompleted}
	fr.results["j"] = scrape.JobResult{JobID: "j", Status: scrape.StatusCompleted}
	s := newTestServer(t, fr, Config{MaxWait: time.Second})

	rec := serve(s, http.MethodGet, "/v1/jobs/j/wait?timeout_ms=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, time.Second, fr.waitedFor, "timeout is capped by MaxWait")

	rec = serve(s, http.MethodGet, "/v1/jobs/j/wait?timeout_ms=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodGet, "/v1/jobs/nope/wait", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	fr.mu.Lock()
	fr.waitErr = runner.ErrWaitTimeout
	fr.mu.Unlock()
	rec = serve(s, http.MethodGet, "/v1/jobs/j/wait?timeout_ms=10", nil)
	require.Equal(t, http.StatusRequestTimeout, rec.Code)
}

func TestServer_EventsReplayHistory(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	fr := newFakeRunner()
	fr.jobs["j"] = scrape.Job{ID: "j", Status: scrape.StatusCompleted}
	fr.history = []progress.Event{
		{JobID: "j", Type: progress.EventQueued, TS: now},
		{JobID: "j", Type: progress.EventCompleted, TS: now.Add(time.Second), Result: &scrape.JobResult{JobID: "j"}},
	}
	s := newTestServer(t, fr, Config{})

	rec := serve(s, http.MethodGet, "/v1/jobs/j/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.Contains(t, body, "event: job_queued\n")
	require.Contains(t, body, "event: job_completed\n")
	require.Less(t, strings.Index(body, "job_queued"), strings.Index(body, "job_completed"))
}

func TestServer_EventsStreamsLiveUntilTerminal(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	fr := newFakeRunner()
	fr.jobs["j"] = scrape.Job{ID: "j", Status: scrape.StatusRunning}
	fr.history = []progress.Event{{JobID: "j", Type: progress.EventQueued, TS: now}}
	ts := httptest.NewServer(newTestServer(t, fr, Config{}).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/j/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	listener := <-fr.listeners
	listener(progress.Event{JobID: "j", Type: progress.EventStarted, TS: now.Add(time.Second)})
	listener(progress.Event{
		JobID: "j",
		Type:  progress.EventFailed,
		TS:    now.Add(2 * time.Second),
		Error: &scrape.ErrorInfo{Code: "NETWORK_ERROR", Message: "refused"},
	})

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if after, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, after)
		}
	}
	require.Equal(t, []string{"job_queued", "job_started", "job_failed"}, types)
}

func TestServer_EventsUnknownJob(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeRunner(), Config{})
	rec := serve(s, http.MethodGet, "/v1/jobs/nope/events", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthReadyStatsMetrics(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.stats = runner.Stats{Workers: 4, Started: true}
	readyErr := error(nil)
	var mu sync.Mutex
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	s := NewServer(fr, m, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return readyErr
	}, Config{}, zap.NewNop())

	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/readyz", nil).Code)

	mu.Lock()
	readyErr = fmt.Errorf("postgres down")
	mu.Unlock()
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/readyz", nil).Code)

	rec := serve(s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"workers":4`)

	rec = serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "http_requests_total")
}

func TestServer_ReadyzWhileShuttingDown(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	fr.stats = runner.Stats{ShuttingDown: true}
	s := newTestServer(t, fr, Config{})
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/readyz", nil).Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	fr := newFakeRunner()
	s := newTestServer(t, fr, Config{APIKey: "secret"})

	rec := serve(s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/healthz", nil).Code, "probes stay open")
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeRunner(), Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
