package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

// EventType names a lifecycle transition.
type EventType string

// Supported event types.
const (
	EventQueued    EventType = "job_queued"
	EventStarted   EventType = "job_started"
	EventProgress  EventType = "job_progress"
	EventCompleted EventType = "job_completed"
	EventFailed    EventType = "job_failed"
	EventCancelled EventType = "job_cancelled"
	EventCached    EventType = "job_cached"
)

// Terminal reports whether the event closes a job's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled, EventCached:
		return true
	default:
		return false
	}
}

// Event is a single job progress notification.
type Event struct {
	JobID    string
	Type     EventType
	TS       time.Time
	URL      string
	Domain   string
	Platform string
	TenantID string
	// Message is a short human-readable stage description.
	Message string
	// Percent is coarse progress in [0,100].
	Percent int
	Attempt int
	// Duration is set on terminal events to the job's wall time.
	Duration time.Duration
	Result   *scrape.JobResult
	Error    *scrape.ErrorInfo
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case EventQueued, EventStarted, EventProgress, EventCancelled:
	case EventCompleted, EventCached:
		if e.Result == nil {
			return fmt.Errorf("%s requires a result", e.Type)
		}
	case EventFailed:
		if e.Error == nil {
			return errors.New("job_failed requires error info")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
