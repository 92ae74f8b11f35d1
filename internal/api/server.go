package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/condition"
	"github.com/JakeFAU/scraper-intel/internal/metrics"
	"github.com/JakeFAU/scraper-intel/internal/progress"
	"github.com/JakeFAU/scraper-intel/internal/runner"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxBatchSize       = 100
	maxBodyBytes       = 1 << 20
)

// JobRunner is the job API the server exposes; *runner.Runner satisfies it.
type JobRunner interface {
	SubmitJob(cfg scrape.JobConfig) (string, error)
	SubmitBatch(cfgs []scrape.JobConfig) ([]string, error)
	GetJob(id string) (scrape.Job, bool)
	GetJobResult(id string) (scrape.JobResult, bool)
	CancelJob(id string) bool
	WaitForJob(ctx context.Context, id string, timeout time.Duration) (scrape.JobResult, error)
	Stats() runner.Stats
	Subscribe(jobID string, fn progress.Listener) func()
	History(jobID string) []progress.Event
}

// Config controls server behavior.
type Config struct {
	// RequestTimeout bounds every route except wait and events.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxWait caps the wait endpoint's timeout_ms.
	MaxWait time.Duration `mapstructure:"max_wait"`
	// APIKey enables X-API-Key authentication on /v1 when set.
	APIKey string `mapstructure:"api_key"`
}

// ReadyFunc reports whether downstream dependencies are usable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the runner.
type Server struct {
	router  chi.Router
	runner  JobRunner
	ready   ReadyFunc
	metrics *metrics.Metrics
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. m and ready may
// be nil.
func NewServer(jobs JobRunner, m *metrics.Metrics, ready ReadyFunc, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	s := &Server{
		runner:  jobs,
		ready:   ready,
		metrics: m,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	if m != nil {
		r.Use(m.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", m.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Long-polling and streaming routes manage their own deadlines.
		r.Get("/jobs/{job_id}/wait", s.waitJob)
		r.Get("/jobs/{job_id}/events", s.jobEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/jobs", s.submitJob)
			r.Post("/jobs/batch", s.submitBatch)
			r.Get("/jobs/{job_id}", s.getJob)
			r.Post("/jobs/{job_id}/cancel", s.cancelJob)
			r.Get("/stats", s.stats)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.runner.Stats().ShuttingDown {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "dependencies unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	URL         string         `json:"url"`
	Platform    string         `json:"platform"`
	TenantID    string         `json:"tenant_id"`
	Industry    string         `json:"industry"`
	Priority    string         `json:"priority"`
	MaxRetries  *int           `json:"max_retries"`
	TimeoutMs   int            `json:"timeout_ms"`
	BypassCache bool           `json:"bypass_cache"`
	Context     condition.Vars `json:"context"`
}

func (req jobRequest) toConfig() (scrape.JobConfig, error) {
	priority, err := scrape.ParsePriority(req.Priority)
	if err != nil {
		return scrape.JobConfig{}, err
	}
	if req.TimeoutMs < 0 {
		return scrape.JobConfig{}, errors.New("timeout_ms must be >= 0")
	}
	cfg := scrape.JobConfig{
		URL:         req.URL,
		Platform:    req.Platform,
		TenantID:    req.TenantID,
		Industry:    req.Industry,
		Priority:    priority,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		BypassCache: req.BypassCache,
		Context:     req.Context,
	}
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
		if cfg.MaxRetries == 0 {
			cfg.MaxRetries = -1
		}
	}
	return cfg, nil
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg, err := req.toConfig()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.runner.SubmitJob(cfg)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Jobs []jobRequest `json:"jobs"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Jobs) == 0 || len(req.Jobs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("jobs must contain 1 to %d entries", maxBatchSize))
		return
	}
	cfgs := make([]scrape.JobConfig, 0, len(req.Jobs))
	for i, j := range req.Jobs {
		cfg, err := j.toConfig()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("jobs[%d]: %v", i, err))
			return
		}
		cfgs = append(cfgs, cfg)
	}
	ids, err := s.runner.SubmitBatch(cfgs)
	if err != nil {
		if len(ids) > 0 {
			writeJSON(w, http.StatusMultiStatus, map[string]any{"job_ids": ids, "error": err.Error()})
			return
		}
		s.writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runner.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.logger.Error("submit job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

type jobView struct {
	Job    scrape.Job        `json:"job"`
	Result *scrape.JobResult `json:"result,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, ok := s.runner.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	view := jobView{Job: job}
	if res, ok := s.runner.GetJobResult(jobID); ok {
		view.Result = &res
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, ok := s.runner.GetJob(jobID); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.runner.CancelJob(jobID) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(scrape.StatusCancelled)})
}

func (s *Server) waitJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout_ms")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	timeout = min(timeout, s.cfg.MaxWait)

	res, err := s.runner.WaitForJob(r.Context(), jobID, timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, runner.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, runner.ErrWaitTimeout):
		writeError(w, http.StatusRequestTimeout, "job still running")
	default:
		// Client went away.
		s.logger.Debug("wait aborted", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Stats())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
