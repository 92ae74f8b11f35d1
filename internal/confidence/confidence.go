// Package confidence estimates how far a learned pattern can be trusted from
// its feedback history: a Beta posterior, exponential time decay, a
// reinforcement update toward recent success, and helpers for outliers and
// multi-source aggregation.
package confidence

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

// ErrUnsupportedLevel is returned for credibility levels other than 90, 95 or 99.
var ErrUnsupportedLevel = errors.New("unsupported credibility level")

// Config tunes the scorer. Zero fields take DefaultConfig values.
type Config struct {
	PriorAlpha float64 `mapstructure:"prior_alpha"`
	PriorBeta  float64 `mapstructure:"prior_beta"`
	// Min and Max clamp the Bayesian estimate and floor the decayed value.
	Min          float64 `mapstructure:"min"`
	Max          float64 `mapstructure:"max"`
	HalfLifeDays float64 `mapstructure:"half_life_days"`
	LearningRate float64 `mapstructure:"learning_rate"`
	// OutlierDivergence is how far the composite may drift from the Bayesian
	// estimate before it is flagged.
	OutlierDivergence float64 `mapstructure:"outlier_divergence"`
	ZThreshold        float64 `mapstructure:"z_threshold"`
}

// DefaultConfig returns a uniform prior, a [10,95] clamp, a 30 day half-life,
// a 0.1 learning rate, a 30 point divergence bound and a 2.5 z threshold.
func DefaultConfig() Config {
	return Config{
		PriorAlpha:        1,
		PriorBeta:         1,
		Min:               10,
		Max:               95,
		HalfLifeDays:      30,
		LearningRate:      0.1,
		OutlierDivergence: 30,
		ZThreshold:        2.5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PriorAlpha <= 0 {
		c.PriorAlpha = d.PriorAlpha
	}
	if c.PriorBeta <= 0 {
		c.PriorBeta = d.PriorBeta
	}
	if c.Max <= 0 || c.Max > 100 {
		c.Max = d.Max
	}
	if c.Min <= 0 || c.Min >= c.Max {
		c.Min = min(d.Min, c.Max)
	}
	if c.HalfLifeDays <= 0 {
		c.HalfLifeDays = d.HalfLifeDays
	}
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		c.LearningRate = d.LearningRate
	}
	if c.OutlierDivergence <= 0 {
		c.OutlierDivergence = d.OutlierDivergence
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = d.ZThreshold
	}
	return c
}

// Scorer computes confidence values. It is stateless apart from its config
// and clock and safe for concurrent use.
type Scorer struct {
	cfg   Config
	clock scrape.Clock
}

// New builds a Scorer. A nil clock uses the wall clock.
func New(cfg Config, clock scrape.Clock) *Scorer {
	if clock == nil {
		clock = scrape.ClockFunc(time.Now)
	}
	return &Scorer{cfg: cfg.normalized(), clock: clock}
}

// Config returns the effective configuration.
func (s *Scorer) Config() Config { return s.cfg }

// BayesianConfidence is the posterior mean of Beta(pos+α, neg+β) on a 0-100
// scale, clamped to [Min, Max]. With no feedback it is the prior mean.
func (s *Scorer) BayesianConfidence(positive, negative int) float64 {
	a := float64(max(positive, 0)) + s.cfg.PriorAlpha
	b := float64(max(negative, 0)) + s.cfg.PriorBeta
	return clamp(a/(a+b)*100, s.cfg.Min, s.cfg.Max)
}

// Interval is a credible interval on the 0-100 scale.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

var zScores = map[float64]float64{90: 1.645, 95: 1.96, 99: 2.576}

// CredibleInterval approximates the posterior interval with a Wilson score
// interval over the prior-smoothed counts. level is 90, 95 or 99.
func (s *Scorer) CredibleInterval(positive, negative int, level float64) (Interval, error) {
	z, ok := zScores[level]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %v", ErrUnsupportedLevel, level)
	}
	a := float64(max(positive, 0)) + s.cfg.PriorAlpha
	n := a + float64(max(negative, 0)) + s.cfg.PriorBeta
	p := a / n
	z2 := z * z
	denom := 1 + z2/n
	center := (p + z2/(2*n)) / denom
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n)) / denom
	return Interval{
		Lower: clamp((center-margin)*100, 0, 100),
		Upper: clamp((center+margin)*100, 0, 100),
		Level: level,
	}, nil
}

// DecayFactor is 2^(-days/halfLife). Negative ages count as fresh.
func DecayFactor(days, halfLifeDays float64) float64 {
	if days <= 0 || halfLifeDays <= 0 {
		return 1
	}
	return math.Exp2(-days / halfLifeDays)
}

// DecayedConfidence decays base by the time since lastUpdated, floored at Min.
func (s *Scorer) DecayedConfidence(base float64, lastUpdated time.Time) float64 {
	f := DecayFactor(s.ageDays(lastUpdated), s.cfg.HalfLifeDays)
	return max(base*f, s.cfg.Min)
}

// ReinforcementUpdate moves old toward successRate×100 by the learning rate.
// successRate is clamped to [0, 1] and the result to [0, 100].
func (s *Scorer) ReinforcementUpdate(old, successRate float64) float64 {
	reward := clamp(successRate, 0, 1) * 100
	return clamp(old+s.cfg.LearningRate*(reward-old), 0, 100)
}

func (s *Scorer) ageDays(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return s.clock.Now().Sub(t).Hours() / 24
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
