package versioning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-intel/internal/storage"
	"github.com/JakeFAU/scraper-intel/internal/storage/memory"
	"github.com/JakeFAU/scraper-intel/internal/training"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("h-%04d", s.n), nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type fixture struct {
	store *memory.DocStore
	repo  *training.Repository
	svc   *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.NewDocStore()
	clock := &stepClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	repo, err := training.NewRepository(store, training.Options{Clock: clock, IDs: &seqIDs{}})
	require.NoError(t, err)
	return fixture{store: store, repo: repo, svc: New(repo, clock, nil)}
}

func (f fixture) seed(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.repo.Create(context.Background(), training.Pattern{
			ID:       id,
			Text:     "pattern " + id,
			Type:     training.TypePhrase,
			SignalID: "hiring",
			Active:   true,
		})
		require.NoError(t, err)
	}
}

func TestDiffPatterns(t *testing.T) {
	t.Parallel()

	before := &training.Pattern{ID: "p", Text: "old", Type: training.TypePhrase, Confidence: 50, Active: true}
	after := before.Clone()
	after.Text = "new"
	after.SignalID = "hiring"
	after.Active = false
	after.Embedding = []float32{1, 2}

	d := DiffPatterns(before, after)
	require.Equal(t, "p", d.PatternID)
	require.Equal(t, []string{"text", "signal_id", "active", "embedding_dimensions"}, d.Fields())
	require.Equal(t, Modified, d.Changes[0].Kind)
	require.Equal(t, Added, d.Changes[1].Kind)
	require.Equal(t, Removed, d.Changes[2].Kind)
	require.Equal(t, Added, d.Changes[3].Kind)
	require.Contains(t, d.Summary, "text old -> new")

	require.True(t, DiffPatterns(before, before.Clone()).Empty())
	require.Equal(t, "no changes", DiffPatterns(before, before).Summary)

	created := DiffPatterns(nil, before)
	require.Equal(t, "p", created.PatternID)
	for _, c := range created.Changes {
		require.Equal(t, Added, c.Kind)
	}
}

func TestCreateBranchValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")

	for _, name := range []string{"", "Upper", "has space", "main", strings.Repeat("x", 65), "dot.name"} {
		_, err := f.svc.CreateBranch(ctx, name, "", "")
		require.ErrorIs(t, err, ErrInvalidBranchName, name)
	}

	b, err := f.svc.CreateBranch(ctx, "exp_1", "", "experiment")
	require.NoError(t, err)
	require.Equal(t, MainBranch, b.Parent)
	require.Len(t, b.Patterns, 2)
	require.Equal(t, 1, b.BaseVersions["a"])

	_, err = f.svc.CreateBranch(ctx, "exp_1", "", "")
	require.ErrorIs(t, err, ErrBranchExists)

	_, err = f.svc.CreateBranch(ctx, "child", "nope", "")
	require.ErrorIs(t, err, ErrBranchNotFound)

	child, err := f.svc.CreateBranch(ctx, "child", "exp_1", "")
	require.NoError(t, err)
	require.Equal(t, "exp_1", child.Parent)
	require.Len(t, child.Patterns, 2)

	branches, err := f.svc.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 2)
	require.Equal(t, "child", branches[0].Name)
}

func TestMergeWithoutLiveChanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")

	_, err := f.svc.CreateBranch(ctx, "tune", "", "")
	require.NoError(t, err)
	_, err = f.svc.UpdateBranchPattern(ctx, "tune", "a", func(p *training.Pattern) error {
		p.Text = "tuned a"
		return nil
	})
	require.NoError(t, err)
	_, err = f.svc.UpdateBranchPattern(ctx, "tune", "c", func(p *training.Pattern) error {
		p.Text = "brand new"
		p.Type = training.TypeKeyword
		p.Active = true
		return nil
	})
	require.NoError(t, err)

	res, err := f.svc.MergeBranch(ctx, "tune")
	require.NoError(t, err)
	require.True(t, res.Merged)
	require.Empty(t, res.Conflicts)
	require.Equal(t, []string{"a", "c"}, res.Applied)

	a, err := f.repo.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "tuned a", a.Text)
	require.Equal(t, 2, a.Version)
	c, err := f.repo.Get(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 1, c.Version)

	hist, err := f.repo.History(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, training.ChangeMerged, hist[0].Change)

	b, err := f.svc.GetBranch(ctx, "tune")
	require.NoError(t, err)
	require.False(t, b.Active)
	require.False(t, b.MergedAt.IsZero())

	_, err = f.svc.MergeBranch(ctx, "tune")
	require.ErrorIs(t, err, ErrBranchInactive)
	_, err = f.svc.UpdateBranchPattern(ctx, "tune", "a", func(*training.Pattern) error { return nil })
	require.ErrorIs(t, err, ErrBranchInactive)
}

func TestMergeDetectsConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b", "d")

	_, err := f.svc.CreateBranch(ctx, "risky", "", "")
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "d"} {
		_, err = f.svc.UpdateBranchPattern(ctx, "risky", id, func(p *training.Pattern) error {
			p.Text = "branch " + p.ID
			return nil
		})
		require.NoError(t, err)
	}

	// Live edits after the cut: a diverges, b converges on the same text,
	// d is deleted.
	_, err = f.repo.Update(ctx, "a", "", func(p *training.Pattern) error {
		p.Text = "main a"
		return nil
	})
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, "b", "", func(p *training.Pattern) error {
		p.Text = "branch b"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.repo.Delete(ctx, "d", ""))

	res, err := f.svc.MergeBranch(ctx, "risky")
	require.NoError(t, err)
	require.False(t, res.Merged)
	require.Len(t, res.Conflicts, 2)
	require.Equal(t, "a", res.Conflicts[0].PatternID)
	require.Equal(t, []string{"text"}, res.Conflicts[0].Fields)
	require.Equal(t, "d", res.Conflicts[1].PatternID)

	a, err := f.repo.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "main a", a.Text)

	b, err := f.svc.GetBranch(ctx, "risky")
	require.NoError(t, err)
	require.True(t, b.Active)
}

func TestMergeConflictsOnPatternsTheBranchLeftAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")

	_, err := f.svc.CreateBranch(ctx, "partial", "", "")
	require.NoError(t, err)
	_, err = f.svc.UpdateBranchPattern(ctx, "partial", "a", func(p *training.Pattern) error {
		p.Text = "branch a"
		return nil
	})
	require.NoError(t, err)

	_, err = f.repo.Update(ctx, "b", "", func(p *training.Pattern) error {
		p.Text = "main b"
		return nil
	})
	require.NoError(t, err)

	res, err := f.svc.MergeBranch(ctx, "partial")
	require.NoError(t, err)
	require.False(t, res.Merged)
	require.Empty(t, res.Applied)
	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "b", res.Conflicts[0].PatternID)
	require.Equal(t, []string{"text"}, res.Conflicts[0].Fields)

	a, err := f.repo.Get(ctx, "a")
	require.NoError(t, err)
	require.NotEqual(t, "branch a", a.Text)
	b, err := f.repo.Get(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, "main b", b.Text)
}

func TestUpdateBranchPatternValidates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a")
	_, err := f.svc.CreateBranch(ctx, "x", "", "")
	require.NoError(t, err)

	_, err = f.svc.UpdateBranchPattern(ctx, "x", "a", func(p *training.Pattern) error {
		p.PositiveCount = 5
		return nil
	})
	require.ErrorIs(t, err, training.ErrInvalid)

	_, err = f.svc.UpdateBranchPattern(ctx, "missing", "a", func(*training.Pattern) error { return nil })
	require.ErrorIs(t, err, ErrBranchNotFound)
}

func TestChangelog(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a", "b")

	_, err := f.repo.Update(ctx, "a", "reword", func(p *training.Pattern) error {
		p.Text = "reworded"
		return nil
	})
	require.NoError(t, err)
	_, err = f.repo.SetActive(ctx, "b", false)
	require.NoError(t, err)
	require.NoError(t, f.repo.Delete(ctx, "b", "unused"))

	cl, err := f.svc.GenerateChangelog(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, cl.Entries, 5)
	require.Equal(t, 3, cl.Counts[Major])
	require.Equal(t, 1, cl.Counts[Minor])
	require.Equal(t, 1, cl.Counts[Patch])
	require.Len(t, cl.Groups, 3)
	require.Equal(t, 1, cl.Groups[0].Version)
	require.Len(t, cl.Groups[0].Entries, 2)
	require.Equal(t, "text pattern a -> reworded", cl.Entries[2].Summary)

	since := cl.Entries[3].Timestamp
	recent, err := f.svc.GenerateChangelog(ctx, since)
	require.NoError(t, err)
	require.Len(t, recent.Entries, 2)
	require.Equal(t, "active cleared (was true)", recent.Entries[0].Summary)

	md := RenderMarkdown(cl)
	require.Contains(t, md, "# Training data changelog")
	require.Contains(t, md, "## Version 3")
	require.Contains(t, md, "3 major, 1 minor, 1 patch.")
	require.Contains(t, md, "_reword_")

	empty := RenderMarkdown(Changelog{})
	require.Contains(t, empty, "No changes.")
}

func TestRecoverAndRestore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "a")
	_, err := f.repo.Update(ctx, "a", "", func(p *training.Pattern) error {
		p.Text = "second"
		return nil
	})
	require.NoError(t, err)

	// Corrupt the newest history snapshot.
	hist, err := f.repo.History(ctx, "a")
	require.NoError(t, err)
	bad := hist[0]
	bad.Snapshot.SeenCount = 0
	bad.Snapshot.PositiveCount = 3
	require.NoError(t, f.store.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return storage.PutJSON(ctx, tx, training.HistoryCollection, bad.ID, bad)
	}))
	require.Error(t, ValidateIntegrity(&bad.Snapshot))
	require.Error(t, ValidateIntegrity(nil))

	recovered, err := f.svc.RecoverFromHistory(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, recovered.Version)
	require.Equal(t, "pattern a", recovered.Text)

	restored, err := f.svc.Restore(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 3, restored.Version)
	live, err := f.repo.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "pattern a", live.Text)

	hist, err = f.repo.History(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, training.ChangeRestored, hist[0].Change)
	require.Equal(t, "restored from version 1", hist[0].Reason)

	_, err = f.svc.RecoverFromHistory(ctx, "ghost")
	require.ErrorIs(t, err, ErrNoValidVersion)
}
