package confidence

import (
	"math"
	"time"
)

// Composite weights.
const (
	BayesianWeight      = 0.4
	DecayWeight         = 0.3
	ReinforcementWeight = 0.3
)

// Input is the feedback history of one pattern.
type Input struct {
	Positive int
	Negative int
	// LastUpdated drives decay; zero means fresh.
	LastUpdated time.Time
	// Current is the stored confidence the reinforcement step starts from.
	// Zero starts from the Bayesian estimate.
	Current float64
	// RecentSuccessRate in [0,1] overrides the lifetime rate when set.
	RecentSuccessRate *float64
}

// Metadata describes the samples behind a Score.
type Metadata struct {
	AgeDays      float64 `json:"age_days"`
	TotalSamples int     `json:"total_samples"`
	SuccessRate  float64 `json:"success_rate"`
	DecayFactor  float64 `json:"decay_factor"`
}

// Score is a composite confidence with its parts.
type Score struct {
	Value      float64  `json:"value"`
	Bayesian   float64  `json:"bayesian"`
	Decayed    float64  `json:"decayed"`
	Reinforced float64  `json:"reinforced"`
	Outlier    bool     `json:"outlier"`
	Metadata   Metadata `json:"metadata"`
}

// Score blends the Bayesian, decayed and reinforced estimates 0.4/0.3/0.3 and
// flags the result when it strays more than OutlierDivergence from the
// Bayesian estimate.
func (s *Scorer) Score(in Input) Score {
	bayes := s.BayesianConfidence(in.Positive, in.Negative)
	age := s.ageDays(in.LastUpdated)
	factor := DecayFactor(age, s.cfg.HalfLifeDays)
	decayed := max(bayes*factor, s.cfg.Min)

	total := max(in.Positive, 0) + max(in.Negative, 0)
	rate := 0.5
	if total > 0 {
		rate = float64(max(in.Positive, 0)) / float64(total)
	}
	if in.RecentSuccessRate != nil && !math.IsNaN(*in.RecentSuccessRate) {
		rate = clamp(*in.RecentSuccessRate, 0, 1)
	}
	old := in.Current
	if old <= 0 {
		old = bayes
	}
	reinforced := s.ReinforcementUpdate(old, rate)

	value := BayesianWeight*bayes + DecayWeight*decayed + ReinforcementWeight*reinforced
	return Score{
		Value:      value,
		Bayesian:   bayes,
		Decayed:    decayed,
		Reinforced: reinforced,
		Outlier:    math.Abs(value-bayes) > s.cfg.OutlierDivergence,
		Metadata: Metadata{
			AgeDays:      age,
			TotalSamples: total,
			SuccessRate:  rate,
			DecayFactor:  factor,
		},
	}
}
