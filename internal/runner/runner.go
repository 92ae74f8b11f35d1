// Package runner orchestrates scrape jobs: it owns the queue consumers and
// drives each job through the cache, the domain rate limiter, the scraper,
// distillation, the archive and signal persistence, retrying transient
// failures with backoff.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/archive"
	"github.com/JakeFAU/scraper-intel/internal/cache"
	"github.com/JakeFAU/scraper-intel/internal/distill"
	"github.com/JakeFAU/scraper-intel/internal/intel"
	"github.com/JakeFAU/scraper-intel/internal/progress"
	queuemem "github.com/JakeFAU/scraper-intel/internal/queue/memory"
	"github.com/JakeFAU/scraper-intel/internal/retry"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/signals"
)

var (
	// ErrInvalidJob is returned for job configs that cannot run.
	ErrInvalidJob = errors.New("invalid job config")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrWaitTimeout is returned when WaitForJob gives up.
	ErrWaitTimeout = errors.New("timed out waiting for job")
	// ErrShuttingDown is returned by submissions after Shutdown.
	ErrShuttingDown = errors.New("runner is shutting down")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("runner already started")
	// ErrForcedShutdown is returned when workers outlive the grace period.
	ErrForcedShutdown = errors.New("forced shutdown after grace period")
)

// Queue is the job store the runner consumes; *memory.Queue satisfies it.
type Queue interface {
	Submit(job scrape.Job) error
	Dequeue(ctx context.Context) (scrape.Job, error)
	TryDequeue() (scrape.Job, bool)
	Get(id string) (scrape.Job, bool)
	Result(id string) (scrape.JobResult, bool)
	Done(id string) <-chan struct{}
	MarkRunning(id string) (scrape.Job, error)
	RecordAttempt(id string) int
	Complete(id string, result scrape.JobResult) error
	MarkCached(id string, result scrape.JobResult) error
	Fail(id string, result scrape.JobResult) error
	Cancel(id string) bool
	Stats() queuemem.Stats
	Forget(cutoff time.Time) []string
	Close()
}

// Limiter paces requests per domain; *ratelimit.Limiter satisfies it.
type Limiter interface {
	WaitForSlot(ctx context.Context, rawURL string) (time.Duration, error)
	Domains() int
}

// Distiller turns content into signals; *distill.Engine satisfies it.
type Distiller interface {
	Distill(ctx context.Context, in distill.Input) (distill.Result, error)
}

// IntelSource loads per-industry detection configs; *intel.Repository
// satisfies it.
type IntelSource interface {
	Get(ctx context.Context, industry string) (intel.ResearchIntelligence, error)
}

// Archiver keeps raw payloads; *archive.Archive satisfies it.
type Archiver interface {
	Save(ctx context.Context, req archive.SaveRequest) (archive.Entry, bool, error)
	Policy() archive.Policy
}

// SignalStore persists extracted signals; *signals.Repository satisfies it.
type SignalStore interface {
	SaveAll(ctx context.Context, sigs []scrape.ExtractedSignal) error
}

// SignalScorer enriches signals with matched training patterns.
type SignalScorer interface {
	ScoreSignals(ctx context.Context, industry string, sigs []scrape.ExtractedSignal) error
}

// Observer receives pipeline metrics; *metrics.Metrics satisfies it.
type Observer interface {
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveScrape(site, status string, bytesFetched int)
	ObserveSignals(signalIDs []string, leadScore float64)
}

// Deps are the runner's collaborators. Queue, Cache, Limiter, Scraper,
// Distiller, Intel, Tracker and IDs are required.
type Deps struct {
	Queue     Queue
	Cache     *cache.Cache
	Limiter   Limiter
	Scraper   scrape.Scraper
	Distiller Distiller
	Intel     IntelSource
	Archive   Archiver
	Discovery Archiver
	Signals   SignalStore
	Scorer    SignalScorer
	Publisher signals.Publisher
	Tracker   *progress.Tracker
	Hasher    scrape.Hasher
	IDs       scrape.IDGenerator
	Clock     scrape.Clock
	Observer  Observer
}

// Config tunes the runner.
type Config struct {
	Workers int `mapstructure:"workers"`
	// DefaultTimeout bounds one attempt (rate-limit wait plus scrape) when a
	// job sets none.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// DefaultMaxRetries applies when a job sets zero; negative means none.
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	Retry             retry.Policy  `mapstructure:"retry"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	// DefaultIndustry is used for jobs without an industry.
	DefaultIndustry string `mapstructure:"default_industry"`
	// SignalTopic receives a digest per completed job; empty disables it.
	SignalTopic string `mapstructure:"signal_topic"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time view of the runner.
type Stats struct {
	Queue         queuemem.Stats `json:"queue"`
	Cache         cache.Stats    `json:"cache"`
	Workers       int            `json:"workers"`
	ActiveWorkers int            `json:"active_workers"`
	Domains       int            `json:"tracked_domains"`
	Started       bool           `json:"started"`
	ShuttingDown  bool           `json:"shutting_down"`
}

// Runner coordinates the worker pool.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	started  atomic.Bool
	stopping atomic.Bool
	active   atomic.Int32

	mu         sync.Mutex
	workCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New validates deps and builds a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	var missing []string
	if deps.Queue == nil {
		missing = append(missing, "queue")
	}
	if deps.Cache == nil {
		missing = append(missing, "cache")
	}
	if deps.Limiter == nil {
		missing = append(missing, "limiter")
	}
	if deps.Scraper == nil {
		missing = append(missing, "scraper")
	}
	if deps.Distiller == nil {
		missing = append(missing, "distiller")
	}
	if deps.Intel == nil {
		missing = append(missing, "intel source")
	}
	if deps.Tracker == nil {
		missing = append(missing, "progress tracker")
	}
	if deps.IDs == nil {
		missing = append(missing, "id generator")
	}
	if deps.Hasher == nil {
		missing = append(missing, "hasher")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("runner: missing %s", strings.Join(missing, ", "))
	}
	if deps.Clock == nil {
		deps.Clock = scrape.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg.withDefaults(), logger: logger.Named("runner")}, nil
}

// Start launches the workers. They stop when ctx ends or Shutdown runs.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	workCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.workCancel = cancel
	r.mu.Unlock()
	for i := range r.cfg.Workers {
		w := &worker{id: i, runner: r, logger: r.logger.With(zap.Int("worker", i))}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run(workCtx)
		}()
	}
	r.logger.Info("runner started", zap.Int("workers", r.cfg.Workers))
	return nil
}

// SubmitJob validates cfg, queues it and returns the job id.
func (r *Runner) SubmitJob(cfg scrape.JobConfig) (string, error) {
	if r.stopping.Load() {
		return "", ErrShuttingDown
	}
	cfg, err := r.normalize(cfg)
	if err != nil {
		return "", err
	}
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	job := scrape.Job{ID: id, Config: cfg, SubmittedAt: r.deps.Clock.Now()}
	if err := r.deps.Queue.Submit(job); err != nil {
		if errors.Is(err, queuemem.ErrClosed) {
			return "", ErrShuttingDown
		}
		return "", fmt.Errorf("submit job: %w", err)
	}
	r.publish(job, progress.Event{Type: progress.EventQueued, Message: "queued"})
	r.logger.Debug("job queued",
		zap.String("job_id", id),
		zap.String("url", cfg.URL),
		zap.Stringer("priority", cfg.Priority),
	)
	return id, nil
}

// SubmitBatch submits every config and returns their ids in order. It stops
// at the first invalid config; jobs already queued stay queued.
func (r *Runner) SubmitBatch(cfgs []scrape.JobConfig) ([]string, error) {
	ids := make([]string, 0, len(cfgs))
	for i, cfg := range cfgs {
		id, err := r.SubmitJob(cfg)
		if err != nil {
			return ids, fmt.Errorf("batch item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetJobResult returns the job's result once it has one.
func (r *Runner) GetJobResult(id string) (scrape.JobResult, bool) {
	return r.deps.Queue.Result(id)
}

// GetJob returns the job's current state.
func (r *Runner) GetJob(id string) (scrape.Job, bool) {
	return r.deps.Queue.Get(id)
}

// CancelJob cancels a pending or running job. A running job is not
// interrupted; its outcome is discarded.
func (r *Runner) CancelJob(id string) bool {
	if !r.deps.Queue.Cancel(id) {
		return false
	}
	job, _ := r.deps.Queue.Get(id)
	r.publish(job, progress.Event{Type: progress.EventCancelled, Message: "cancelled"})
	r.logger.Info("job cancelled", zap.String("job_id", id))
	return true
}

// WaitForJob blocks until the job is terminal, timeout passes or ctx ends.
// A non-positive timeout waits on ctx alone.
func (r *Runner) WaitForJob(ctx context.Context, id string, timeout time.Duration) (scrape.JobResult, error) {
	done := r.deps.Queue.Done(id)
	if done == nil {
		return scrape.JobResult{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-done:
		res, _ := r.deps.Queue.Result(id)
		return res, nil
	case <-expired:
		return scrape.JobResult{}, fmt.Errorf("%s after %s: %w", id, timeout, ErrWaitTimeout)
	case <-ctx.Done():
		return scrape.JobResult{}, fmt.Errorf("wait for %s: %w", id, ctx.Err())
	}
}

// Stats reports queue, cache and worker state.
func (r *Runner) Stats() Stats {
	return Stats{
		Queue:         r.deps.Queue.Stats(),
		Cache:         r.deps.Cache.Stats(),
		Workers:       r.cfg.Workers,
		ActiveWorkers: int(r.active.Load()),
		Domains:       r.deps.Limiter.Domains(),
		Started:       r.started.Load(),
		ShuttingDown:  r.stopping.Load(),
	}
}

// Subscribe registers fn for one job's events.
func (r *Runner) Subscribe(jobID string, fn progress.Listener) func() {
	return r.deps.Tracker.Subscribe(jobID, fn)
}

// SubscribeAll registers fn for every event.
func (r *Runner) SubscribeAll(fn progress.Listener) func() {
	return r.deps.Tracker.SubscribeAll(fn)
}

// History returns the recorded events of a job.
func (r *Runner) History(jobID string) []progress.Event {
	return r.deps.Tracker.History(jobID)
}

// Prune forgets terminal jobs that finished before cutoff, with their
// progress history, and returns how many were dropped.
func (r *Runner) Prune(cutoff time.Time) int {
	ids := r.deps.Queue.Forget(cutoff)
	for _, id := range ids {
		r.deps.Tracker.Forget(id)
	}
	if len(ids) > 0 {
		r.logger.Debug("pruned finished jobs", zap.Int("count", len(ids)))
	}
	return len(ids)
}

// Shutdown stops intake, lets workers finish their current job and cancels
// jobs still pending. If workers are still busy after ShutdownGrace, or ctx
// ends first, their context is cancelled and ErrForcedShutdown returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	if !r.stopping.CompareAndSwap(false, true) {
		return nil
	}
	r.deps.Queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(r.cfg.ShutdownGrace)
	defer grace.Stop()

	var forced bool
	select {
	case <-done:
	case <-grace.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	r.mu.Lock()
	if r.workCancel != nil {
		r.workCancel()
	}
	r.mu.Unlock()
	if forced {
		<-done
	}

	dropped := 0
	for {
		job, ok := r.deps.Queue.TryDequeue()
		if !ok {
			break
		}
		if r.CancelJob(job.ID) {
			dropped++
		}
	}
	r.logger.Info("runner stopped", zap.Bool("forced", forced), zap.Int("cancelled_pending", dropped))
	if forced {
		return ErrForcedShutdown
	}
	return nil
}

func (r *Runner) normalize(cfg scrape.JobConfig) (scrape.JobConfig, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return cfg, fmt.Errorf("%w: url %q must be absolute http(s)", ErrInvalidJob, cfg.URL)
	}
	if cfg.Priority < scrape.PriorityLow || cfg.Priority > scrape.PriorityUrgent {
		return cfg, fmt.Errorf("%w: priority %d", ErrInvalidJob, cfg.Priority)
	}
	if cfg.Platform == "" {
		cfg.Platform = "website"
	}
	cfg.Platform = strings.ToLower(cfg.Platform)
	if cfg.Industry == "" {
		cfg.Industry = r.cfg.DefaultIndustry
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = r.cfg.DefaultTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = max(r.cfg.DefaultMaxRetries, 0)
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	return cfg, nil
}

// publish stamps evt with the job's identity and hands it to the tracker.
func (r *Runner) publish(job scrape.Job, evt progress.Event) {
	evt.JobID = job.ID
	evt.TS = r.deps.Clock.Now()
	evt.URL = job.Config.URL
	evt.Platform = job.Config.Platform
	evt.TenantID = job.Config.TenantID
	if evt.Domain == "" {
		if u, err := url.Parse(job.Config.URL); err == nil {
			evt.Domain = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
	}
	r.deps.Tracker.Publish(evt)
}

func errorInfo(e *retry.Error) *scrape.ErrorInfo {
	if e == nil {
		return nil
	}
	return &scrape.ErrorInfo{Code: e.Code, Message: e.Message, Kind: string(e.Kind), Retryable: e.Retryable}
}
