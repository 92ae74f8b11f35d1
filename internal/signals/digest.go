package signals

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

// Publisher delivers a payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// DigestSignal is the compact form of a signal sent to subscribers.
type DigestSignal struct {
	SignalID   string  `json:"signal_id"`
	Label      string  `json:"label"`
	Confidence int     `json:"confidence"`
	Snippet    string  `json:"snippet"`
	PatternID  string  `json:"pattern_id,omitempty"`
	Composite  float64 `json:"composite_confidence,omitempty"`
}

// Digest summarizes one completed job.
type Digest struct {
	JobID       string         `json:"job_id"`
	TenantID    string         `json:"tenant_id"`
	URL         string         `json:"url"`
	Platform    string         `json:"platform"`
	LeadScore   float64        `json:"lead_score"`
	ContentHash string         `json:"content_hash,omitempty"`
	Signals     []DigestSignal `json:"signals"`
	CompletedAt time.Time      `json:"completed_at"`
}

// NewDigest builds a digest from a completed result.
func NewDigest(cfg scrape.JobConfig, res scrape.JobResult) Digest {
	d := Digest{
		JobID:       res.JobID,
		TenantID:    cfg.TenantID,
		URL:         cfg.URL,
		Platform:    cfg.Platform,
		LeadScore:   res.LeadScore,
		ContentHash: res.ContentHash,
		Signals:     make([]DigestSignal, 0, len(res.Signals)),
	}
	if res.CompletedAt != nil {
		d.CompletedAt = *res.CompletedAt
	}
	for _, s := range res.Signals {
		ds := DigestSignal{SignalID: s.SignalID, Label: s.Label, Confidence: s.Confidence, Snippet: s.Snippet}
		if s.Pattern != nil {
			ds.PatternID = s.Pattern.PatternID
			ds.Composite = s.Pattern.Confidence
		}
		d.Signals = append(d.Signals, ds)
	}
	return d
}

// Attributes are attached to the published message for subscriber filtering.
func (d Digest) Attributes() map[string]string {
	return map[string]string{
		"tenant_id":    d.TenantID,
		"platform":     d.Platform,
		"signal_count": strconv.Itoa(len(d.Signals)),
	}
}

// Announce publishes d unless it has no signals. An empty topic disables it.
func Announce(ctx context.Context, pub Publisher, topic string, d Digest) (string, error) {
	if pub == nil || topic == "" || len(d.Signals) == 0 {
		return "", nil
	}
	id, err := pub.Publish(ctx, topic, d)
	if err != nil {
		return "", fmt.Errorf("publish digest for job %s: %w", d.JobID, err)
	}
	return id, nil
}
