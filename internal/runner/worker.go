package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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

// worker consumes jobs until the queue is closed and drained or ctx ends.
type worker struct {
	id     int
	runner *Runner
	logger *zap.Logger
}

// outcome is what one successful pass through the pipeline produces.
type outcome struct {
	result      scrape.JobResult
	contentHash string
}

func (w *worker) run(ctx context.Context) {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")
	for {
		job, err := w.runner.deps.Queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queuemem.ErrClosed) && ctx.Err() == nil {
				w.logger.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		if w.runner.stopping.Load() {
			w.runner.CancelJob(job.ID)
			continue
		}
		w.process(ctx, job)
	}
}

func (w *worker) process(ctx context.Context, job scrape.Job) {
	r := w.runner
	if current, ok := r.deps.Queue.Get(job.ID); !ok || current.Status.IsTerminal() {
		w.logger.Debug("skipping finished job", zap.String("job_id", job.ID))
		return
	}

	r.active.Add(1)
	r.observerInc()
	defer func() {
		r.active.Add(-1)
		r.observerDec()
	}()

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.Config.URL))
	key := cache.KeyFor(job.Config)
	if !job.Config.BypassCache {
		if entry, ok := r.deps.Cache.Get(key); ok {
			w.serveCached(job, entry, logger)
			return
		}
	}

	running, err := r.deps.Queue.MarkRunning(job.ID)
	if err != nil {
		logger.Debug("job not runnable", zap.Error(err))
		return
	}
	job = running
	r.publish(job, progress.Event{Type: progress.EventStarted, Message: "started", Percent: 5})

	maxAttempts := job.Config.MaxRetries + 1
	var lastErr *retry.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r.deps.Queue.RecordAttempt(job.ID)
		out, err := w.guardedAttempt(ctx, job, attempt)
		if err == nil {
			w.complete(ctx, job, out, attempt, logger)
			return
		}
		lastErr = retry.Classify(err)
		logger.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.String("kind", string(lastErr.Kind)),
			zap.Error(err),
		)
		if !lastErr.Retryable || attempt == maxAttempts || r.stopping.Load() || ctx.Err() != nil {
			break
		}
		delay := r.cfg.Retry.Delay(attempt)
		r.publish(job, progress.Event{
			Type:    progress.EventProgress,
			Message: fmt.Sprintf("retrying in %s after %s", delay.Round(time.Millisecond), lastErr.Kind),
			Attempt: attempt,
		})
		if err := retry.Sleep(ctx, delay); err != nil {
			break
		}
	}
	w.fail(job, lastErr, logger)
}

// guardedAttempt runs attempt and turns a panic in any collaborator into a
// non-retryable unknown error so the job still reaches a terminal state.
func (w *worker) guardedAttempt(ctx context.Context, job scrape.Job, attempt int) (out outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("attempt panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			out, err = outcome{}, retry.New(retry.KindUnknown, fmt.Errorf("pipeline panic: %v", p))
		}
	}()
	return w.attempt(ctx, job, attempt)
}

// attempt runs the pipeline once. The per-job timeout bounds the rate limit
// wait and the fetch.
func (w *worker) attempt(ctx context.Context, job scrape.Job, attempt int) (outcome, error) {
	r := w.runner
	resp, err := w.fetch(ctx, job)
	if err != nil {
		return outcome{}, err
	}
	r.publish(job, progress.Event{Type: progress.EventProgress, Message: "fetched", Percent: 40, Attempt: attempt})

	ri, err := r.deps.Intel.Get(ctx, job.Config.Industry)
	if err != nil {
		if errors.Is(err, intel.ErrNotFound) {
			return outcome{}, retry.New(retry.KindValidation, err)
		}
		return outcome{}, retry.New(retry.KindUnknown, fmt.Errorf("load intel: %w", err))
	}
	dist, err := r.deps.Distiller.Distill(ctx, distill.Input{
		Content:     string(resp.Body),
		ContentType: resp.ContentType,
		URL:         job.Config.URL,
		Platform:    job.Config.Platform,
		TenantID:    job.Config.TenantID,
		Context:     job.Config.Context,
		Intel:       ri,
	})
	if err != nil {
		return outcome{}, err
	}
	r.publish(job, progress.Event{Type: progress.EventProgress, Message: "distilled", Percent: 70, Attempt: attempt})

	contentHash, err := r.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return outcome{}, retry.New(retry.KindUnknown, fmt.Errorf("hash content: %w", err))
	}

	var ref *scrape.ArchiveRef
	if r.deps.Archive != nil {
		entry, _, err := r.deps.Archive.Save(ctx, archive.SaveRequest{
			TenantID:    job.Config.TenantID,
			URL:         job.Config.URL,
			Platform:    job.Config.Platform,
			ContentType: resp.ContentType,
			Raw:         resp.Body,
			Cleaned:     dist.CleanedText,
		})
		if err != nil {
			return outcome{}, retry.New(retry.KindUnknown, fmt.Errorf("archive: %w", err))
		}
		archived := entry.Ref(r.deps.Archive.Policy().Collection)
		ref = &archived
	}

	now := r.deps.Clock.Now()
	sigs := dist.Signals
	for i := range sigs {
		id, err := r.deps.IDs.NewID()
		if err != nil {
			return outcome{}, retry.New(retry.KindUnknown, fmt.Errorf("signal id: %w", err))
		}
		sigs[i].ID = id
		sigs[i].ExtractedAt = now
		sigs[i].ArchiveRef = ref
	}
	if r.deps.Scorer != nil && len(sigs) > 0 {
		if err := r.deps.Scorer.ScoreSignals(ctx, job.Config.Industry, sigs); err != nil {
			w.logger.Warn("pattern scoring failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if r.deps.Discovery != nil && len(sigs) > 0 && job.Config.TenantID != "" {
		// Pages that produced leads are kept per tenant for later review.
		if _, _, err := r.deps.Discovery.Save(ctx, archive.SaveRequest{
			TenantID:    job.Config.TenantID,
			URL:         job.Config.URL,
			Platform:    job.Config.Platform,
			ContentType: resp.ContentType,
			Raw:         resp.Body,
			Cleaned:     dist.CleanedText,
		}); err != nil {
			w.logger.Warn("discovery archive failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if r.deps.Signals != nil && len(sigs) > 0 {
		if err := r.deps.Signals.SaveAll(ctx, sigs); err != nil {
			return outcome{}, retry.New(retry.KindUnknown, fmt.Errorf("save signals: %w", err))
		}
	}
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveSignals(dist.SignalIDs(), dist.LeadScore)
	}
	r.publish(job, progress.Event{Type: progress.EventProgress, Message: "stored", Percent: 90, Attempt: attempt})

	return outcome{
		result: scrape.JobResult{
			Signals:      sigs,
			LeadScore:    dist.LeadScore,
			MatchedRules: dist.MatchedRules,
			ArchiveRef:   ref,
			ContentHash:  contentHash,
			Storage:      dist.Storage,
		},
		contentHash: contentHash,
	}, nil
}

func (w *worker) fetch(ctx context.Context, job scrape.Job) (scrape.ScrapeResponse, error) {
	r := w.runner
	attemptCtx, cancel := context.WithTimeout(ctx, job.Config.Timeout)
	defer cancel()

	if _, err := r.deps.Limiter.WaitForSlot(attemptCtx, job.Config.URL); err != nil {
		return scrape.ScrapeResponse{}, w.deadline(attemptCtx, fmt.Errorf("wait for rate limit slot: %w", err), job)
	}
	resp, err := r.deps.Scraper.Scrape(attemptCtx, scrape.ScrapeRequest{
		JobID:    job.ID,
		URL:      job.Config.URL,
		Platform: job.Config.Platform,
	})
	if err != nil {
		r.observeScrape(job.Config.URL, "error", 0)
		return scrape.ScrapeResponse{}, w.deadline(attemptCtx, err, job)
	}
	r.observeScrape(job.Config.URL, strconv.Itoa(resp.StatusCode), len(resp.Body))
	return resp, nil
}

// deadline reports an expired per-job timeout as a timeout error regardless of
// how the collaborator phrased it.
func (w *worker) deadline(attemptCtx context.Context, err error, job scrape.Job) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return retry.New(retry.KindTimeout, fmt.Errorf("job timeout %s exceeded: %w", job.Config.Timeout, err))
	}
	return err
}

func (w *worker) serveCached(job scrape.Job, entry cache.Entry, logger *zap.Logger) {
	r := w.runner
	res := entry.Result
	res.Signals = append([]scrape.ExtractedSignal(nil), entry.Result.Signals...)
	res.Cached = true
	res.CacheAgeMs = ageMillis(entry.Age(r.deps.Clock.Now()))
	res.Attempts = 0
	res.StartedAt = nil
	res.CompletedAt = nil
	res.Error = nil
	if err := r.deps.Queue.MarkCached(job.ID, res); err != nil {
		logger.Debug("cached result discarded", zap.Error(err))
		return
	}
	final, _ := r.deps.Queue.Result(job.ID)
	r.publish(job, progress.Event{
		Type:     progress.EventCached,
		Message:  "served from cache",
		Percent:  100,
		Duration: r.elapsed(job),
		Result:   &final,
	})
	logger.Info("job served from cache", zap.Int64("cache_age_ms", res.CacheAgeMs))
}

func (w *worker) complete(ctx context.Context, job scrape.Job, out outcome, attempts int, logger *zap.Logger) {
	r := w.runner
	out.result.Attempts = attempts
	if err := r.deps.Queue.Complete(job.ID, out.result); err != nil {
		logger.Info("result discarded", zap.Error(err))
		return
	}
	final, _ := r.deps.Queue.Result(job.ID)
	r.deps.Cache.Set(cache.KeyFor(job.Config), final, out.contentHash)
	r.publish(job, progress.Event{
		Type:     progress.EventCompleted,
		Message:  "completed",
		Percent:  100,
		Attempt:  attempts,
		Duration: r.elapsed(job),
		Result:   &final,
	})
	if _, err := signals.Announce(ctx, r.deps.Publisher, r.cfg.SignalTopic, signals.NewDigest(job.Config, final)); err != nil {
		logger.Warn("signal digest not published", zap.Error(err))
	}
	logger.Info("job completed",
		zap.Int("signals", len(final.Signals)),
		zap.Float64("lead_score", final.LeadScore),
		zap.Int("attempts", attempts),
	)
}

func (w *worker) fail(job scrape.Job, cause *retry.Error, logger *zap.Logger) {
	r := w.runner
	if cause == nil {
		cause = retry.New(retry.KindUnknown, errors.New("job ended without an outcome"))
	}
	info := errorInfo(cause)
	if err := r.deps.Queue.Fail(job.ID, scrape.JobResult{Error: info}); err != nil {
		logger.Info("failure discarded", zap.Error(err))
		return
	}
	final, _ := r.deps.Queue.Result(job.ID)
	r.publish(job, progress.Event{
		Type:     progress.EventFailed,
		Message:  info.Message,
		Attempt:  final.Attempts,
		Duration: r.elapsed(job),
		Result:   &final,
		Error:    info,
	})
	logger.Error("job failed",
		zap.String("kind", info.Kind),
		zap.Int("attempts", final.Attempts),
		zap.Error(cause),
	)
}

// ageMillis rounds up so any entry older than zero reports at least 1ms.
func ageMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

func (r *Runner) elapsed(job scrape.Job) time.Duration {
	d := r.deps.Clock.Now().Sub(job.SubmittedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (r *Runner) observerInc() {
	if r.deps.Observer != nil {
		r.deps.Observer.IncActiveWorkers()
	}
}

func (r *Runner) observerDec() {
	if r.deps.Observer != nil {
		r.deps.Observer.DecActiveWorkers()
	}
}

func (r *Runner) observeScrape(site, status string, n int) {
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveScrape(site, status, n)
	}
}
