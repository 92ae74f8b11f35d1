package versioning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/training"
)

// Severity ranks a change the way semantic versions do.
type Severity string

// Severities.
const (
	Major Severity = "major"
	Minor Severity = "minor"
	Patch Severity = "patch"
)

// SeverityOf classifies a change type: creations and deletions are major,
// activation toggles and restores minor, everything else a patch.
func SeverityOf(c training.ChangeType) Severity {
	switch c {
	case training.ChangeCreated, training.ChangeDeleted:
		return Major
	case training.ChangeActivated, training.ChangeDeactivated, training.ChangeRestored:
		return Minor
	default:
		return Patch
	}
}

// ChangelogEntry describes one history entry.
type ChangelogEntry struct {
	PatternID string              `json:"pattern_id"`
	Version   int                 `json:"version"`
	Change    training.ChangeType `json:"change_type"`
	Severity  Severity            `json:"severity"`
	Reason    string              `json:"reason,omitempty"`
	Summary   string              `json:"summary"`
	Timestamp time.Time           `json:"timestamp"`
}

// VersionGroup collects the entries that produced one version number.
type VersionGroup struct {
	Version int              `json:"version"`
	Entries []ChangelogEntry `json:"entries"`
}

// Changelog is the history since a point in time.
type Changelog struct {
	Since       time.Time        `json:"since,omitzero"`
	GeneratedAt time.Time        `json:"generated_at"`
	Entries     []ChangelogEntry `json:"entries"`
	Groups      []VersionGroup   `json:"groups"`
	Counts      map[Severity]int `json:"counts"`
}

// GenerateChangelog lists history entries at or after since in
// chronological order, grouped by version. Each summary diffs the snapshot
// against the previous one of the same pattern.
func (s *Service) GenerateChangelog(ctx context.Context, since time.Time) (Changelog, error) {
	entries, err := s.repo.AllHistory(ctx, time.Time{})
	if err != nil {
		return Changelog{}, err
	}
	cl := Changelog{
		Since:       since,
		GeneratedAt: s.clock.Now(),
		Counts:      map[Severity]int{Major: 0, Minor: 0, Patch: 0},
	}
	previous := make(map[string]*training.Pattern)
	groups := make(map[int][]ChangelogEntry)
	for _, e := range entries {
		snap := e.Snapshot
		prev := previous[e.PatternID]
		previous[e.PatternID] = &snap
		if e.Timestamp.Before(since) {
			continue
		}
		entry := ChangelogEntry{
			PatternID: e.PatternID,
			Version:   e.Version,
			Change:    e.Change,
			Severity:  SeverityOf(e.Change),
			Reason:    e.Reason,
			Timestamp: e.Timestamp,
		}
		switch e.Change {
		case training.ChangeCreated:
			entry.Summary = fmt.Sprintf("created %s pattern %q", snap.Type, snap.Text)
		case training.ChangeDeleted:
			entry.Summary = fmt.Sprintf("deleted pattern %q", snap.Text)
		default:
			entry.Summary = DiffPatterns(prev, &snap).Summary
		}
		cl.Entries = append(cl.Entries, entry)
		cl.Counts[entry.Severity]++
		groups[e.Version] = append(groups[e.Version], entry)
	}
	versions := make([]int, 0, len(groups))
	for v := range groups {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for _, v := range versions {
		cl.Groups = append(cl.Groups, VersionGroup{Version: v, Entries: groups[v]})
	}
	return cl, nil
}

// RenderMarkdown formats a changelog as a markdown document.
func RenderMarkdown(cl Changelog) string {
	var b strings.Builder
	b.WriteString("# Training data changelog\n\n")
	fmt.Fprintf(&b, "Generated %s", cl.GeneratedAt.UTC().Format(time.RFC3339))
	if !cl.Since.IsZero() {
		fmt.Fprintf(&b, " covering changes since %s", cl.Since.UTC().Format(time.RFC3339))
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "%d major, %d minor, %d patch.\n", cl.Counts[Major], cl.Counts[Minor], cl.Counts[Patch])
	if len(cl.Entries) == 0 {
		b.WriteString("\nNo changes.\n")
		return b.String()
	}
	for _, g := range cl.Groups {
		fmt.Fprintf(&b, "\n## Version %d\n\n", g.Version)
		for _, e := range g.Entries {
			fmt.Fprintf(&b, "- %s **%s** `%s` (%s): %s",
				e.Timestamp.UTC().Format("2006-01-02 15:04"), e.Severity, e.PatternID, e.Change, e.Summary)
			if e.Reason != "" {
				fmt.Fprintf(&b, " _%s_", e.Reason)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
