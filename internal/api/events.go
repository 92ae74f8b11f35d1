package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/progress"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

const (
	eventBuffer       = 64
	keepAliveInterval = 15 * time.Second
)

type eventDTO struct {
	JobID      string            `json:"job_id"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"ts"`
	URL        string            `json:"url,omitempty"`
	Platform   string            `json:"platform,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Percent    int               `json:"percent"`
	Attempt    int               `json:"attempt,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Result     *scrape.JobResult `json:"result,omitempty"`
	Error      *scrape.ErrorInfo `json:"error,omitempty"`
}

func toEventDTO(evt progress.Event) eventDTO {
	return eventDTO{
		JobID:      evt.JobID,
		Type:       string(evt.Type),
		Timestamp:  evt.TS,
		URL:        evt.URL,
		Platform:   evt.Platform,
		TenantID:   evt.TenantID,
		Message:    evt.Message,
		Percent:    evt.Percent,
		Attempt:    evt.Attempt,
		DurationMs: evt.Duration.Milliseconds(),
		Result:     evt.Result,
		Error:      evt.Error,
	}
}

// jobEvents streams a job's progress as server-sent events. Recorded history
// is replayed first; the stream ends after a terminal event.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, ok := s.runner.GetJob(jobID); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	rc := http.NewResponseController(w)

	// Subscribe before reading history so nothing published in between is
	// lost; duplicates are filtered by timestamp and type below.
	live := make(chan progress.Event, eventBuffer)
	unsubscribe := s.runner.Subscribe(jobID, func(evt progress.Event) {
		select {
		case live <- evt:
		default:
			s.logger.Warn("dropping progress event for slow client", zap.String("job_id", jobID))
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	seen := make(map[string]struct{})
	send := func(evt progress.Event) (bool, error) {
		key := fmt.Sprintf("%s/%d/%d", evt.Type, evt.TS.UnixNano(), evt.Attempt)
		if _, dup := seen[key]; dup {
			return false, nil
		}
		seen[key] = struct{}{}
		payload, err := json.Marshal(toEventDTO(evt))
		if err != nil {
			return false, fmt.Errorf("encode event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload); err != nil {
			return false, fmt.Errorf("write event: %w", err)
		}
		if err := rc.Flush(); err != nil {
			return false, fmt.Errorf("flush event: %w", err)
		}
		return evt.Type.Terminal(), nil
	}

	for _, evt := range s.runner.History(jobID) {
		done, err := send(evt)
		if err != nil {
			s.logger.Debug("event stream closed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		if done {
			return
		}
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case evt := <-live:
			done, err := send(evt)
			if err != nil {
				s.logger.Debug("event stream closed", zap.String("job_id", jobID), zap.Error(err))
				return
			}
			if done {
				return
			}
		}
	}
}
