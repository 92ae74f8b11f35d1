package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff schedule with symmetric jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the fractional spread applied to each delay (0.1 = ±10%).
	Jitter float64

	// rand returns a value in [0,1). Tests replace it.
	rand func() float64
}

// DefaultPolicy returns the scrape retry schedule: 3 attempts, 1s doubling to
// at most 30s, ±10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

// WithRand returns a copy of p drawing jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based):
// min(base * multiplier^(attempt-1), max) scaled by 1±jitter.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		draw := rand.Float64
		if p.rand != nil {
			draw = p.rand
		}
		raw *= 1 + p.Jitter*(2*draw()-1)
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

// ShouldRetry reports whether another attempt should follow failed attempt
// number attempt (1-based).
func (p Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.normalized().MaxAttempts {
		return false
	}
	return Classify(err).Retryable
}

// Do runs fn until it succeeds, fails permanently, exhausts the policy or ctx
// ends. The last error is returned classified.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	p = p.normalized()
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(err, attempt) {
			return Classify(err)
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return New(KindTimeout, fmt.Errorf("retry aborted after attempt %d: %w", attempt, err))
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
