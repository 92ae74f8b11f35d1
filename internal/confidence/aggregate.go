package confidence

import (
	"errors"
	"math"
)

// ErrNoSources is returned by Aggregate when no source carries weight.
var ErrNoSources = errors.New("no weighted sources to aggregate")

// Agreement summarizes how closely sources agree.
type Agreement string

// Agreement levels by weighted standard deviation: <10 high, <20 medium.
const (
	AgreementHigh   Agreement = "high"
	AgreementMedium Agreement = "medium"
	AgreementLow    Agreement = "low"
)

// SourceEstimate is one named confidence opinion.
type SourceEstimate struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// Aggregate is the weighted consensus of several sources.
type Aggregate struct {
	Value     float64   `json:"value"`
	StdDev    float64   `json:"std_dev"`
	Agreement Agreement `json:"agreement"`
	Sources   int       `json:"sources"`
}

// AggregateSources returns the weighted mean and spread of sources. Sources
// with a non-positive weight are ignored.
func AggregateSources(sources []SourceEstimate) (Aggregate, error) {
	var sumW, sumWX float64
	n := 0
	for _, s := range sources {
		if s.Weight <= 0 {
			continue
		}
		sumW += s.Weight
		sumWX += s.Weight * s.Value
		n++
	}
	if sumW == 0 {
		return Aggregate{}, ErrNoSources
	}
	mean := sumWX / sumW
	var sumSq float64
	for _, s := range sources {
		if s.Weight <= 0 {
			continue
		}
		d := s.Value - mean
		sumSq += s.Weight * d * d
	}
	std := math.Sqrt(sumSq / sumW)
	agreement := AgreementLow
	switch {
	case std < 10:
		agreement = AgreementHigh
	case std < 20:
		agreement = AgreementMedium
	}
	return Aggregate{Value: mean, StdDev: std, Agreement: agreement, Sources: n}, nil
}

// Outlier is a flagged point of a series.
type Outlier struct {
	Index  int     `json:"index"`
	Value  float64 `json:"value"`
	ZScore float64 `json:"z_score"`
}

// DetectOutliers flags points whose z-score against the rest of the series
// exceeds threshold. Each point is scored against the mean and sample
// standard deviation of the other points, so a single extreme value cannot
// mask itself by inflating the spread. A point that differs from an
// otherwise constant series has an infinite z-score. Fewer than three values
// never yield outliers. A non-positive threshold means 2.5.
func DetectOutliers(values []float64, threshold float64) []Outlier {
	if len(values) < 3 {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultConfig().ZThreshold
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	var out []Outlier
	others := float64(len(values) - 1)
	for i, v := range values {
		mean := (sum - v) / others
		var ss float64
		for j, w := range values {
			if j == i {
				continue
			}
			ss += (w - mean) * (w - mean)
		}
		std := math.Sqrt(ss / (others - 1))
		var z float64
		switch {
		case std > 0:
			z = math.Abs(v-mean) / std
		case v != mean:
			z = math.Inf(1)
		}
		if z > threshold {
			out = append(out, Outlier{Index: i, Value: v, ZScore: z})
		}
	}
	return out
}

// DetectOutliers uses the configured z threshold.
func (s *Scorer) DetectOutliers(values []float64) []Outlier {
	return DetectOutliers(values, s.cfg.ZThreshold)
}

// Aggregate combines sources; see AggregateSources.
func (s *Scorer) Aggregate(sources []SourceEstimate) (Aggregate, error) {
	return AggregateSources(sources)
}
