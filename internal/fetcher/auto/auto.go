// Package auto chooses between a plain HTTP fetch and a headless render per
// request: configured platforms always render, everything else is probed
// over HTTP first and promoted when the probe looks like an unrendered
// single-page app.
package auto

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

// Detector decides whether a probe response needs rendering.
type Detector interface {
	ShouldPromote(resp scrape.ScrapeResponse) bool
}

// Scraper routes requests between a probe and a headless scraper.
type Scraper struct {
	probe     scrape.Scraper
	headless  scrape.Scraper
	detector  Detector
	platforms map[string]bool
	logger    *zap.Logger
}

// New builds a Scraper. A nil headless scraper disables promotion; a nil
// detector uses NewHeuristic(0).
func New(probe, headless scrape.Scraper, detector Detector, headlessPlatforms []string, logger *zap.Logger) (*Scraper, error) {
	if probe == nil {
		return nil, fmt.Errorf("auto scraper: probe scraper is required")
	}
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	platforms := make(map[string]bool, len(headlessPlatforms))
	for _, p := range headlessPlatforms {
		platforms[strings.ToLower(strings.TrimSpace(p))] = true
	}
	return &Scraper{
		probe:     probe,
		headless:  headless,
		detector:  detector,
		platforms: platforms,
		logger:    logger.Named("auto_scraper"),
	}, nil
}

// Scrape implements scrape.Scraper.
func (s *Scraper) Scrape(ctx context.Context, req scrape.ScrapeRequest) (scrape.ScrapeResponse, error) {
	if s.headless != nil && s.platforms[strings.ToLower(req.Platform)] {
		return s.headless.Scrape(ctx, req)
	}
	resp, err := s.probe.Scrape(ctx, req)
	if err != nil || s.headless == nil || !s.detector.ShouldPromote(resp) {
		return resp, err
	}
	s.logger.Debug("promoting to headless render",
		zap.String("job_id", req.JobID),
		zap.String("url", req.URL),
		zap.Int("probe_bytes", len(resp.Body)),
	)
	rendered, err := s.headless.Scrape(ctx, req)
	if err != nil {
		s.logger.Warn("headless render failed, keeping probe response",
			zap.String("job_id", req.JobID),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return resp, nil
	}
	return rendered, nil
}
