// Package training stores the learned detection patterns that back semantic
// matching, with a full version history of every change.
package training

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Collections.
const (
	Collection        = "training_data"
	HistoryCollection = "training_history"
)

var (
	// ErrNotFound is returned for unknown pattern ids.
	ErrNotFound = errors.New("training pattern not found")
	// ErrInvalid wraps integrity failures.
	ErrInvalid = errors.New("invalid training pattern")
)

// PatternType says how a pattern is matched.
type PatternType string

// Pattern types.
const (
	TypeKeyword  PatternType = "keyword"
	TypePhrase   PatternType = "phrase"
	TypeRegex    PatternType = "regex"
	TypeSemantic PatternType = "semantic"
)

// Pattern is one learned detection pattern.
type Pattern struct {
	ID            string      `json:"id"`
	Text          string      `json:"text"`
	Type          PatternType `json:"type"`
	SignalID      string      `json:"signal_id,omitempty"`
	Industry      string      `json:"industry,omitempty"`
	Confidence    float64     `json:"confidence"`
	PositiveCount int         `json:"positive_count"`
	NegativeCount int         `json:"negative_count"`
	SeenCount     int         `json:"seen_count"`
	Active        bool        `json:"active"`
	Embedding     []float32   `json:"embedding,omitempty"`
	Version       int         `json:"version"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	// LastFeedbackAt drives confidence decay; zero until the first feedback.
	LastFeedbackAt time.Time `json:"last_feedback_at,omitzero"`
}

// Clone returns a deep copy.
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	c := *p
	if p.Embedding != nil {
		c.Embedding = append([]float32(nil), p.Embedding...)
	}
	return &c
}

// Validate checks required fields, ranges and the counter invariant
// SeenCount >= PositiveCount + NegativeCount.
func (p *Pattern) Validate() error {
	var problems []string
	if strings.TrimSpace(p.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		problems = append(problems, "text is required")
	}
	switch p.Type {
	case TypeKeyword, TypePhrase, TypeRegex, TypeSemantic:
	case "":
		problems = append(problems, "type is required")
	default:
		problems = append(problems, fmt.Sprintf("unknown type %q", p.Type))
	}
	if p.Confidence < 0 || p.Confidence > 100 {
		problems = append(problems, fmt.Sprintf("confidence %.2f outside [0,100]", p.Confidence))
	}
	if p.PositiveCount < 0 || p.NegativeCount < 0 || p.SeenCount < 0 {
		problems = append(problems, "counters must be non-negative")
	}
	if p.SeenCount < p.PositiveCount+p.NegativeCount {
		problems = append(problems, fmt.Sprintf("seen_count %d below positive+negative %d",
			p.SeenCount, p.PositiveCount+p.NegativeCount))
	}
	if p.Version <= 0 {
		problems = append(problems, "version must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalid, p.ID, strings.Join(problems, "; "))
	}
	return nil
}

// ChangeType classifies a history entry.
type ChangeType string

// Change types.
const (
	ChangeCreated     ChangeType = "created"
	ChangeUpdated     ChangeType = "updated"
	ChangeActivated   ChangeType = "activated"
	ChangeDeactivated ChangeType = "deactivated"
	ChangeDeleted     ChangeType = "deleted"
	ChangeFeedback    ChangeType = "feedback"
	ChangeRestored    ChangeType = "restored"
	ChangeMerged      ChangeType = "merged"
)

// HistoryEntry snapshots a pattern after a change.
type HistoryEntry struct {
	ID        string     `json:"id"`
	PatternID string     `json:"pattern_id"`
	Version   int        `json:"version"`
	Change    ChangeType `json:"change_type"`
	Reason    string     `json:"reason,omitempty"`
	Snapshot  Pattern    `json:"snapshot"`
	Timestamp time.Time  `json:"timestamp"`
}

// Feedback is one observation of a pattern in the field.
type Feedback struct {
	// Positive and Negative are mutually exclusive; neither means the pattern
	// was seen without a verdict.
	Positive bool
	Negative bool
	Reason   string
}
