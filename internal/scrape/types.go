// Package scrape defines the core job, result and signal types shared across
// the engine, plus the ports adapters implement.
package scrape

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/condition"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values. Completed, failed, cancelled and cached are terminal.
const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusCached    JobStatus = "cached"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCached:
		return true
	default:
		return false
	}
}

// Priority orders pending jobs. Higher values are dequeued first.
type Priority int

// Priorities from lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a name to a Priority. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// JobConfig is what a caller submits.
type JobConfig struct {
	URL         string         `json:"url"`
	Platform    string         `json:"platform"`
	TenantID    string         `json:"tenant_id"`
	Industry    string         `json:"industry"`
	Priority    Priority       `json:"priority"`
	MaxRetries  int            `json:"max_retries"`
	Timeout     time.Duration  `json:"timeout"`
	BypassCache bool           `json:"bypass_cache"`
	Context     condition.Vars `json:"context,omitempty"`
}

// Job is a JobConfig admitted into the queue.
type Job struct {
	ID          string     `json:"id"`
	Config      JobConfig  `json:"config"`
	Status      JobStatus  `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	Attempts    int        `json:"attempts"`
}

// ErrorInfo is the caller-facing view of a failure.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

// StorageMetrics reports how much the pipeline shrank a page.
type StorageMetrics struct {
	RawBytes     int     `json:"raw_bytes"`
	CleanedBytes int     `json:"cleaned_bytes"`
	SignalBytes  int     `json:"signal_bytes"`
	ReductionPct float64 `json:"reduction_pct"`
}

// NewStorageMetrics computes the reduction from raw to signal bytes.
func NewStorageMetrics(raw, cleaned, signal int) StorageMetrics {
	m := StorageMetrics{RawBytes: raw, CleanedBytes: cleaned, SignalBytes: signal}
	if raw > 0 {
		m.ReductionPct = float64(raw-signal) / float64(raw) * 100
	}
	return m
}

// ArchiveRef points at an archived raw payload.
type ArchiveRef struct {
	Collection  string `json:"collection"`
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
}

// PatternMatch links a signal to the closest training pattern. Confidence is
// the pattern's composite confidence; Blended mixes it with the signal's
// keyword confidence, weighted by similarity. Neither feeds the lead score.
type PatternMatch struct {
	PatternID  string  `json:"pattern_id"`
	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
	Blended    float64 `json:"blended_confidence"`
}

// ExtractedSignal is one detected high-value signal.
type ExtractedSignal struct {
	ID          string        `json:"id"`
	SignalID    string        `json:"signal_id"`
	Label       string        `json:"label"`
	Snippet     string        `json:"snippet"`
	MatchedTerm string        `json:"matched_term"`
	Occurrences int           `json:"occurrences"`
	Confidence  int           `json:"confidence"`
	Priority    string        `json:"priority"`
	ScoreBoost  float64       `json:"score_boost"`
	Platform    string        `json:"platform"`
	TenantID    string        `json:"tenant_id"`
	URL         string        `json:"url"`
	ExtractedAt time.Time     `json:"extracted_at"`
	ArchiveRef  *ArchiveRef   `json:"archive_ref,omitempty"`
	Pattern     *PatternMatch `json:"pattern,omitempty"`
}

// JobResult is the outcome of a job. Exactly one exists per job.
type JobResult struct {
	JobID        string            `json:"job_id"`
	Status       JobStatus         `json:"status"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Signals      []ExtractedSignal `json:"signals"`
	LeadScore    float64           `json:"lead_score"`
	MatchedRules []string          `json:"matched_rules,omitempty"`
	ArchiveRef   *ArchiveRef       `json:"archive_ref,omitempty"`
	ContentHash  string            `json:"content_hash,omitempty"`
	Cached       bool              `json:"cached"`
	CacheAgeMs   int64             `json:"cache_age_ms,omitempty"`
	Attempts     int               `json:"attempts"`
	Error        *ErrorInfo        `json:"error,omitempty"`
	Storage      StorageMetrics    `json:"storage"`
}

// ScrapeRequest is handed to a Scraper.
type ScrapeRequest struct {
	JobID    string
	URL      string
	Platform string
	Headers  http.Header
}

// ScrapeResponse is raw page content returned by a Scraper.
type ScrapeResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}
