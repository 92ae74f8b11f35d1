package pattern

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/confidence"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/training"
)

// PatternSource lists the active patterns of an industry;
// *training.Repository satisfies it.
type PatternSource interface {
	ListActive(ctx context.Context, industry string) ([]*training.Pattern, error)
}

// SightingRecorder counts matches against patterns.
type SightingRecorder interface {
	RecordSighting(ctx context.Context, id string) (*training.Pattern, error)
}

// SignalScorer attaches the closest training pattern to each extracted signal
// and records a blend of the keyword and pattern confidences on the match.
// The signal's own tier confidence is left as detected.
type SignalScorer struct {
	matcher   *Matcher
	source    PatternSource
	scorer    *confidence.Scorer
	sightings SightingRecorder
	threshold float64
	logger    *zap.Logger
}

// NewSignalScorer builds a SignalScorer. A nil sightings recorder leaves
// pattern counters untouched. A threshold outside (0,1] uses the matcher's.
func NewSignalScorer(matcher *Matcher, source PatternSource, scorer *confidence.Scorer,
	sightings SightingRecorder, threshold float64, logger *zap.Logger,
) (*SignalScorer, error) {
	if matcher == nil || source == nil {
		return nil, errors.New("signal scorer: matcher and pattern source are required")
	}
	if scorer == nil {
		scorer = confidence.New(confidence.DefaultConfig(), nil)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = matcher.DefaultThreshold()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalScorer{
		matcher:   matcher,
		source:    source,
		scorer:    scorer,
		sightings: sightings,
		threshold: threshold,
		logger:    logger.Named("signal_scorer"),
	}, nil
}

// ScoreSignals updates signals in place. Each signal is compared with the
// active patterns of industry that target the same signal id, or with
// patterns that target no signal at all.
func (s *SignalScorer) ScoreSignals(ctx context.Context, industry string, signals []scrape.ExtractedSignal) error {
	if len(signals) == 0 {
		return nil
	}
	patterns, err := s.source.ListActive(ctx, industry)
	if err != nil {
		return fmt.Errorf("load patterns for %s: %w", industry, err)
	}
	if len(patterns) == 0 {
		return nil
	}
	for i := range signals {
		sig := &signals[i]
		corpus := candidates(patterns, sig.SignalID)
		if len(corpus) == 0 {
			continue
		}
		best, err := s.matcher.FindBestMatch(ctx, sig.Snippet, corpus, s.threshold)
		if err != nil {
			return fmt.Errorf("match signal %s: %w", sig.SignalID, err)
		}
		if best == nil {
			continue
		}
		p := best.Pattern
		score := s.scorer.Score(confidence.Input{
			Positive:    p.PositiveCount,
			Negative:    p.NegativeCount,
			LastUpdated: p.LastFeedbackAt,
			Current:     p.Confidence,
		})
		match := &scrape.PatternMatch{
			PatternID:  p.ID,
			Similarity: best.Similarity,
			Confidence: score.Value,
			Blended:    float64(sig.Confidence),
		}
		agg, err := confidence.AggregateSources([]confidence.SourceEstimate{
			{Name: "keyword", Value: float64(sig.Confidence), Weight: 1},
			{Name: "pattern", Value: score.Value, Weight: best.Similarity},
		})
		if err == nil {
			match.Blended = math.Round(math.Min(100, math.Max(0, agg.Value)))
		}
		sig.Pattern = match
		if s.sightings != nil {
			if _, err := s.sightings.RecordSighting(ctx, p.ID); err != nil {
				s.logger.Warn("record pattern sighting failed",
					zap.String("pattern_id", p.ID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

func candidates(patterns []*training.Pattern, signalID string) []*training.Pattern {
	out := make([]*training.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p.SignalID == "" || p.SignalID == signalID {
			out = append(out, p)
		}
	}
	return out
}
