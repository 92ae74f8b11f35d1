// Package intel holds the per-industry research intelligence that drives
// distillation: which signals to look for, what to strip and how to score.
package intel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/condition"
)

// Priority is a signal tier.
type Priority string

// Signal tiers, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// BaseConfidence returns the starting confidence for a detected signal of
// this tier.
func (p Priority) BaseConfidence() int {
	switch p {
	case PriorityCritical:
		return 90
	case PriorityHigh:
		return 75
	case PriorityMedium:
		return 60
	default:
		return 45
	}
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// HighValueSignal describes one thing worth extracting from a page.
type HighValueSignal struct {
	ID         string   `json:"id" yaml:"id"`
	Label      string   `json:"label" yaml:"label"`
	Keywords   []string `json:"keywords" yaml:"keywords"`
	Regex      string   `json:"regex,omitempty" yaml:"regex,omitempty"`
	Priority   Priority `json:"priority" yaml:"priority"`
	ScoreBoost float64  `json:"score_boost" yaml:"score_boost"`
	// Platforms limits the signal to these platforms. Empty means all.
	Platforms []string `json:"platforms,omitempty" yaml:"platforms,omitempty"`
}

// AppliesTo reports whether the signal is in scope for platform.
func (s HighValueSignal) AppliesTo(platform string) bool {
	if len(s.Platforms) == 0 {
		return true
	}
	for _, p := range s.Platforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

// ScoringRule adds ScoreBoost to the lead score when Condition holds against
// the job context.
type ScoringRule struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	Condition  string  `json:"condition" yaml:"condition"`
	ScoreBoost float64 `json:"score_boost" yaml:"score_boost"`
	Enabled    bool    `json:"enabled" yaml:"enabled"`
}

// ResearchIntelligence is the distillation configuration for one industry.
type ResearchIntelligence struct {
	ID            string            `json:"id" yaml:"id"`
	Industry      string            `json:"industry" yaml:"industry"`
	Name          string            `json:"name" yaml:"name"`
	FluffPatterns []string          `json:"fluff_patterns,omitempty" yaml:"fluff_patterns,omitempty"`
	Signals       []HighValueSignal `json:"signals" yaml:"signals"`
	ScoringRules  []ScoringRule     `json:"scoring_rules,omitempty" yaml:"scoring_rules,omitempty"`
	Version       int               `json:"version" yaml:"version"`
	UpdatedAt     time.Time         `json:"updated_at" yaml:"updated_at,omitempty"`
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid research intelligence")

// Validate checks ids, tiers, regexes and rule conditions.
func (ri ResearchIntelligence) Validate() error {
	if strings.TrimSpace(ri.Industry) == "" {
		return fmt.Errorf("%w: industry is required", ErrInvalid)
	}
	for i, p := range ri.FluffPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: fluff pattern %d: %v", ErrInvalid, i, err)
		}
	}
	seen := make(map[string]struct{}, len(ri.Signals))
	for _, s := range ri.Signals {
		if s.ID == "" {
			return fmt.Errorf("%w: signal without id", ErrInvalid)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate signal %q", ErrInvalid, s.ID)
		}
		seen[s.ID] = struct{}{}
		if !s.Priority.Valid() {
			return fmt.Errorf("%w: signal %q has priority %q", ErrInvalid, s.ID, s.Priority)
		}
		if len(s.Keywords) == 0 && s.Regex == "" {
			return fmt.Errorf("%w: signal %q needs keywords or a regex", ErrInvalid, s.ID)
		}
		if s.Regex != "" {
			if _, err := regexp.Compile(s.Regex); err != nil {
				return fmt.Errorf("%w: signal %q regex: %v", ErrInvalid, s.ID, err)
			}
		}
	}
	for _, r := range ri.ScoringRules {
		if r.ID == "" {
			return fmt.Errorf("%w: scoring rule without id", ErrInvalid)
		}
		if _, err := condition.Parse(r.Condition); err != nil {
			return fmt.Errorf("%w: rule %q: %v", ErrInvalid, r.ID, err)
		}
	}
	return nil
}
