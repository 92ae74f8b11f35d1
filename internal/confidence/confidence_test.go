package confidence

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newScorer() *Scorer {
	return New(Config{}, scrape.ClockFunc(func() time.Time { return now }))
}

func TestBayesianConfidence(t *testing.T) {
	t.Parallel()
	s := newScorer()

	neutral := s.BayesianConfidence(0, 0)
	require.False(t, math.IsNaN(neutral))
	require.InDelta(t, 50, neutral, 1e-9)

	high := s.BayesianConfidence(100, 0)
	require.LessOrEqual(t, high, 95.0)
	require.InDelta(t, 95, high, 1e-9)

	require.InDelta(t, 10, s.BayesianConfidence(0, 100), 1e-9)
	require.InDelta(t, 75, s.BayesianConfidence(2, 0), 1e-9)
	require.Greater(t, s.BayesianConfidence(8, 2), s.BayesianConfidence(5, 5))
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	require.Equal(t, DefaultConfig(), New(Config{}, nil).Config())

	cfg := New(Config{Min: 20, Max: 80, PriorAlpha: 2}, nil).Config()
	require.InDelta(t, 20, cfg.Min, 0)
	require.InDelta(t, 80, cfg.Max, 0)
	require.InDelta(t, 2, cfg.PriorAlpha, 0)
}

func TestCredibleInterval(t *testing.T) {
	t.Parallel()
	s := newScorer()

	i90, err := s.CredibleInterval(40, 10, 90)
	require.NoError(t, err)
	i99, err := s.CredibleInterval(40, 10, 99)
	require.NoError(t, err)

	mean := 41.0 / 52 * 100
	require.Less(t, i90.Lower, mean)
	require.Greater(t, i90.Upper, mean)
	require.Less(t, i99.Lower, i90.Lower)
	require.Greater(t, i99.Upper, i90.Upper)
	require.GreaterOrEqual(t, i99.Lower, 0.0)
	require.LessOrEqual(t, i99.Upper, 100.0)

	narrow, err := s.CredibleInterval(400, 100, 90)
	require.NoError(t, err)
	require.Less(t, narrow.Upper-narrow.Lower, i90.Upper-i90.Lower)

	_, err = s.CredibleInterval(1, 1, 80)
	require.ErrorIs(t, err, ErrUnsupportedLevel)
}

func TestDecay(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.5, DecayFactor(30, 30), 1e-12)
	require.InDelta(t, 0.25, DecayFactor(60, 30), 1e-12)
	require.InDelta(t, 1, DecayFactor(0, 30), 0)
	require.InDelta(t, 1, DecayFactor(-5, 30), 0)

	s := newScorer()
	require.InDelta(t, 40, s.DecayedConfidence(80, now.Add(-30*24*time.Hour)), 1e-9)
	// Floored at the configured minimum.
	require.InDelta(t, 10, s.DecayedConfidence(80, now.Add(-365*24*time.Hour)), 1e-9)
	require.InDelta(t, 80, s.DecayedConfidence(80, time.Time{}), 1e-9)
}

func TestReinforcementUpdate(t *testing.T) {
	t.Parallel()
	s := newScorer()

	require.InDelta(t, 55, s.ReinforcementUpdate(50, 1), 1e-9)
	require.InDelta(t, 45, s.ReinforcementUpdate(50, 0), 1e-9)
	require.InDelta(t, 50, s.ReinforcementUpdate(50, 0.5), 1e-9)
	require.InDelta(t, 55, s.ReinforcementUpdate(50, 7), 1e-9)
}

func TestScoreComposite(t *testing.T) {
	t.Parallel()
	s := newScorer()

	score := s.Score(Input{Positive: 8, Negative: 2, LastUpdated: now.Add(-30 * 24 * time.Hour), Current: 70})
	bayes := 9.0 / 12 * 100
	decayed := bayes * 0.5
	reinforced := 70 + 0.1*(80-70)
	require.InDelta(t, bayes, score.Bayesian, 1e-9)
	require.InDelta(t, decayed, score.Decayed, 1e-9)
	require.InDelta(t, reinforced, score.Reinforced, 1e-9)
	require.InDelta(t, 0.4*bayes+0.3*decayed+0.3*reinforced, score.Value, 1e-9)
	require.False(t, score.Outlier)
	require.Equal(t, 10, score.Metadata.TotalSamples)
	require.InDelta(t, 0.8, score.Metadata.SuccessRate, 1e-9)
	require.InDelta(t, 30, score.Metadata.AgeDays, 1e-9)
	require.InDelta(t, 0.5, score.Metadata.DecayFactor, 1e-9)

	recent := 0.0
	withRecent := s.Score(Input{Positive: 8, Negative: 2, Current: 70, RecentSuccessRate: &recent})
	require.InDelta(t, 63, withRecent.Reinforced, 1e-9)
}

func TestScoreFlagsDivergence(t *testing.T) {
	t.Parallel()
	s := New(Config{OutlierDivergence: 5}, scrape.ClockFunc(func() time.Time { return now }))

	score := s.Score(Input{Positive: 50, Negative: 0, LastUpdated: now.Add(-200 * 24 * time.Hour)})
	require.True(t, score.Outlier)

	fresh := s.Score(Input{Positive: 50, Negative: 0, LastUpdated: now})
	require.False(t, fresh.Outlier)
}

func TestAggregateSources(t *testing.T) {
	t.Parallel()

	agg, err := AggregateSources([]SourceEstimate{
		{Name: "keyword", Value: 80, Weight: 2},
		{Name: "semantic", Value: 70, Weight: 1},
		{Name: "ignored", Value: 0, Weight: 0},
	})
	require.NoError(t, err)
	require.InDelta(t, 230.0/3, agg.Value, 1e-9)
	require.Equal(t, AgreementHigh, agg.Agreement)
	require.Equal(t, 2, agg.Sources)

	agg, err = AggregateSources([]SourceEstimate{{Value: 20, Weight: 1}, {Value: 50, Weight: 1}})
	require.NoError(t, err)
	require.InDelta(t, 15, agg.StdDev, 1e-9)
	require.Equal(t, AgreementMedium, agg.Agreement)

	agg, err = AggregateSources([]SourceEstimate{{Value: 10, Weight: 1}, {Value: 90, Weight: 1}})
	require.NoError(t, err)
	require.Equal(t, AgreementLow, agg.Agreement)

	_, err = AggregateSources(nil)
	require.ErrorIs(t, err, ErrNoSources)
}

func TestDetectOutliers(t *testing.T) {
	t.Parallel()

	require.Empty(t, DetectOutliers([]float64{10, 1000}, 2.5))
	require.Empty(t, DetectOutliers(nil, 2.5))
	require.Empty(t, DetectOutliers([]float64{50, 52, 48, 51, 49, 50}, 2.5))
	require.Empty(t, DetectOutliers([]float64{10, 10, 10, 10}, 2.5))

	out := DetectOutliers([]float64{10, 10, 10, 95}, 2.5)
	require.Len(t, out, 1)
	require.Equal(t, 3, out[0].Index)
	require.InDelta(t, 95, out[0].Value, 0)

	out = newScorer().DetectOutliers([]float64{50, 52, 48, 51, 49, 50, 120})
	require.Len(t, out, 1)
	require.Equal(t, 6, out[0].Index)
}
