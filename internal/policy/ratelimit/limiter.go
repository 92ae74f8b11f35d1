// Package ratelimit enforces per-domain politeness: a minimum spacing between
// requests and a cap on requests within a sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/retry"
	"go.uber.org/zap"
)

// Config holds rate limiter configuration.
type Config struct {
	// MaxRequests is the number of requests allowed per domain in Window.
	MaxRequests int
	Window      time.Duration
	// MinDelay is the minimum spacing between two requests to one domain.
	MinDelay time.Duration
	// PollInterval caps a single sleep inside WaitForSlot.
	PollInterval time.Duration
	// MaxWaitIterations bounds the number of sleeps before WaitForSlot gives up.
	MaxWaitIterations int
	// IdleTTL is how long an unused domain is remembered before Cleanup drops it.
	IdleTTL time.Duration
}

// DelayObserver receives the time spent waiting for a slot.
type DelayObserver interface {
	ObserveRateLimitDelay(domain string, d time.Duration)
}

// Status is a read-only view of a domain's budget.
type Status struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

type domainState struct {
	requests []time.Time
	last     time.Time
}

// Limiter tracks request timestamps per normalized domain.
type Limiter struct {
	cfg      Config
	logger   *zap.Logger
	observer DelayObserver
	now      func() time.Time

	mu      sync.Mutex
	domains map[string]*domainState
}

// New creates a new Limiter. Zero config values take defaults (10 requests
// per minute, 500ms polls, 120 polls, 1h idle TTL); a zero MinDelay disables
// spacing.
func New(cfg Config, logger *zap.Logger, observer DelayObserver) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxWaitIterations <= 0 {
		cfg.MaxWaitIterations = 120
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:      cfg,
		logger:   logger.Named("ratelimit"),
		observer: observer,
		now:      time.Now,
		domains:  make(map[string]*domainState),
	}
}

// NormalizeDomain reduces a URL or host to a lower-case hostname without
// scheme, port, path or a leading "www.".
func NormalizeDomain(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	host := ""
	if u, err := url.Parse(s); err == nil {
		host = u.Hostname()
	}
	if host == "" {
		host = strings.TrimPrefix(s, "http://")
		if i := strings.IndexAny(host, "/?#"); i >= 0 {
			host = host[:i]
		}
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	return strings.TrimPrefix(host, "www.")
}

// CheckLimit reports the domain's current budget without recording anything.
func (l *Limiter) CheckLimit(domain string) Status {
	domain = NormalizeDomain(domain)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.domains[domain]
	if !ok {
		return Status{Allowed: true, Remaining: l.cfg.MaxRequests}
	}
	live := l.liveRequests(st, now)
	remaining := l.cfg.MaxRequests - len(live)
	status := Status{Remaining: max(remaining, 0)}
	spacing := l.spacingWait(st, now)
	status.Allowed = remaining > 0 && spacing <= 0
	if remaining <= 0 && len(live) > 0 {
		status.ResetIn = live[0].Add(l.cfg.Window).Sub(now)
	}
	if spacing > status.ResetIn {
		status.ResetIn = spacing
	}
	return status
}

// WaitForSlot blocks until the domain of rawURL may be requested, then records
// the request. It returns how long it waited. After MaxWaitIterations sleeps
// it fails with a rate-limit error.
func (l *Limiter) WaitForSlot(ctx context.Context, rawURL string) (time.Duration, error) {
	domain := NormalizeDomain(rawURL)
	if domain == "" {
		return 0, retry.Newf(retry.KindValidation, "rate limit: no domain in %q", rawURL)
	}
	start := l.now()
	for i := 0; ; i++ {
		wait := l.tryAcquire(domain)
		if wait <= 0 {
			waited := l.now().Sub(start)
			if waited > 0 && l.observer != nil {
				l.observer.ObserveRateLimitDelay(domain, waited)
			}
			return waited, nil
		}
		if i >= l.cfg.MaxWaitIterations {
			l.logger.Warn("rate limit wait exhausted",
				zap.String("domain", domain),
				zap.Int("iterations", i),
			)
			return l.now().Sub(start), retry.Newf(retry.KindRateLimit,
				"rate limit: no slot for %s after %d waits", domain, i)
		}
		if wait > l.cfg.PollInterval {
			wait = l.cfg.PollInterval
		}
		if err := retry.Sleep(ctx, wait); err != nil {
			return l.now().Sub(start), fmt.Errorf("rate limit wait for %s: %w", domain, err)
		}
	}
}

// tryAcquire records a request and returns 0 when a slot is free, otherwise
// it returns how long until one might be.
func (l *Limiter) tryAcquire(domain string) time.Duration {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{}
		l.domains[domain] = st
	}
	st.requests = l.liveRequests(st, now)

	wait := l.spacingWait(st, now)
	if len(st.requests) >= l.cfg.MaxRequests {
		if w := st.requests[0].Add(l.cfg.Window).Sub(now); w > wait {
			wait = w
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
	}
	if wait > 0 {
		return wait
	}
	st.requests = append(st.requests, now)
	st.last = now
	return 0
}

func (l *Limiter) liveRequests(st *domainState, now time.Time) []time.Time {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(st.requests) && !st.requests[i].After(cutoff) {
		i++
	}
	return st.requests[i:]
}

func (l *Limiter) spacingWait(st *domainState, now time.Time) time.Duration {
	if st.last.IsZero() || l.cfg.MinDelay <= 0 {
		return 0
	}
	return st.last.Add(l.cfg.MinDelay).Sub(now)
}

// Cleanup forgets domains with no request newer than IdleTTL and returns how
// many were removed.
func (l *Limiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for domain, st := range l.domains {
		if now.Sub(st.last) > l.cfg.IdleTTL {
			delete(l.domains, domain)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("rate limiter cleanup", zap.Int("removed", removed), zap.Int("remaining", len(l.domains)))
	}
	return removed
}

// Domains returns the number of tracked domains.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.domains)
}
