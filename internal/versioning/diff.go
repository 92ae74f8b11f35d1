// Package versioning adds git-like workflows on top of the training set:
// field diffs, named snapshot branches with conflict-aware merges, a
// changelog built from history, and recovery of the last valid version.
package versioning

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/JakeFAU/scraper-intel/internal/training"
)

// ChangeKind classifies a field change.
type ChangeKind string

// Change kinds.
const (
	Added    ChangeKind = "added"
	Removed  ChangeKind = "removed"
	Modified ChangeKind = "modified"
)

// FieldChange is one differing field.
type FieldChange struct {
	Field  string     `json:"field"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// Diff lists the changed fields between two versions of a pattern.
type Diff struct {
	PatternID string        `json:"pattern_id"`
	Changes   []FieldChange `json:"changes"`
	Summary   string        `json:"summary"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool { return len(d.Changes) == 0 }

// Fields returns the names of the changed fields.
func (d Diff) Fields() []string {
	out := make([]string, len(d.Changes))
	for i, c := range d.Changes {
		out[i] = c.Field
	}
	return out
}

type field struct {
	name string
	get  func(p *training.Pattern) any
}

// Compared fields, in report order. Embeddings are compared by dimension.
var fields = []field{
	{"text", func(p *training.Pattern) any { return p.Text }},
	{"type", func(p *training.Pattern) any { return string(p.Type) }},
	{"signal_id", func(p *training.Pattern) any { return p.SignalID }},
	{"industry", func(p *training.Pattern) any { return p.Industry }},
	{"confidence", func(p *training.Pattern) any { return p.Confidence }},
	{"positive_count", func(p *training.Pattern) any { return p.PositiveCount }},
	{"negative_count", func(p *training.Pattern) any { return p.NegativeCount }},
	{"seen_count", func(p *training.Pattern) any { return p.SeenCount }},
	{"active", func(p *training.Pattern) any { return p.Active }},
	{"embedding_dimensions", func(p *training.Pattern) any { return len(p.Embedding) }},
}

// DiffPatterns compares before and after field by field. A nil side counts
// as all zero values, so creating a pattern reports its fields as added.
func DiffPatterns(before, after *training.Pattern) Diff {
	var d Diff
	switch {
	case after != nil:
		d.PatternID = after.ID
	case before != nil:
		d.PatternID = before.ID
	}
	zero := &training.Pattern{}
	b, a := before, after
	if b == nil {
		b = zero
	}
	if a == nil {
		a = zero
	}
	for _, f := range fields {
		bv, av := f.get(b), f.get(a)
		if reflect.DeepEqual(bv, av) {
			continue
		}
		c := FieldChange{Field: f.name, Before: bv, After: av}
		switch {
		case reflect.ValueOf(bv).IsZero():
			c.Kind = Added
			c.Before = nil
		case reflect.ValueOf(av).IsZero():
			c.Kind = Removed
			c.After = nil
		default:
			c.Kind = Modified
		}
		d.Changes = append(d.Changes, c)
	}
	d.Summary = summarize(d)
	return d
}

func summarize(d Diff) string {
	if d.Empty() {
		return "no changes"
	}
	parts := make([]string, 0, len(d.Changes))
	for _, c := range d.Changes {
		switch c.Kind {
		case Added:
			parts = append(parts, fmt.Sprintf("%s set to %v", c.Field, c.After))
		case Removed:
			parts = append(parts, fmt.Sprintf("%s cleared (was %v)", c.Field, c.Before))
		default:
			parts = append(parts, fmt.Sprintf("%s %v -> %v", c.Field, c.Before, c.After))
		}
	}
	return strings.Join(parts, "; ")
}
