package pattern

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-intel/internal/confidence"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/training"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	batches [][]string
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[text], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, texts)
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

type matchCounter struct{ n int }

func (m *matchCounter) ObservePatternMatches(n int) { m.n += n }

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()

	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	require.InDelta(t, 1, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	require.InDelta(t, 0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 3})
	require.NoError(t, err)
	require.InDelta(t, 0.5, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	require.InDelta(t, 0.5, sim, 0)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func corpus() []*training.Pattern {
	return []*training.Pattern{
		{ID: "p1", Text: "growing the team", SignalID: "hiring", Embedding: []float32{1, 0.1}},
		{ID: "p2", Text: "open roles", SignalID: "hiring"},
		{ID: "p3", Text: "closed a round", SignalID: "funding", Embedding: []float32{-1, 0}},
		{ID: "p4", Text: "legacy", Embedding: []float32{1, 2, 3}},
	}
}

func newEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		"we are hiring": {1, 0},
		"open roles":    {1, 0},
	}}
}

func TestFindSimilarPatterns(t *testing.T) {
	t.Parallel()

	emb := newEmbedder()
	obs := &matchCounter{}
	m, err := NewMatcher(emb, 0.8, obs, nil)
	require.NoError(t, err)

	c := corpus()
	matches, err := m.FindSimilarPatterns(context.Background(), "we are hiring", c, 0.9)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "p2", matches[0].Pattern.ID)
	require.InDelta(t, 1, matches[0].Similarity, 1e-9)
	require.Equal(t, "p1", matches[1].Pattern.ID)
	require.Greater(t, matches[1].Similarity, 0.9)
	require.Equal(t, 2, obs.n)

	// The lazily computed vector is stored on the pattern.
	require.Equal(t, []float32{1, 0}, c[1].Embedding)
	require.Equal(t, [][]string{{"open roles"}}, emb.batches)

	_, err = m.FindSimilarPatterns(context.Background(), "we are hiring", c, 0.9)
	require.NoError(t, err)
	require.Len(t, emb.batches, 1)

	all, err := m.FindSimilarPatterns(context.Background(), "we are hiring", c, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "p3", all[2].Pattern.ID)
}

func TestFindBestMatch(t *testing.T) {
	t.Parallel()

	m, err := NewMatcher(newEmbedder(), 0, nil, nil)
	require.NoError(t, err)
	require.InDelta(t, 0.75, m.DefaultThreshold(), 0)

	best, err := m.FindBestMatch(context.Background(), "we are hiring", corpus(), -1)
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, "p2", best.Pattern.ID)

	none, err := m.FindBestMatch(context.Background(), "we are hiring", corpus()[2:3], -1)
	require.NoError(t, err)
	require.Nil(t, none)

	none, err = m.FindBestMatch(context.Background(), "we are hiring", nil, -1)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestFindSimilarPatternsEmbedError(t *testing.T) {
	t.Parallel()

	emb := newEmbedder()
	emb.err = errors.New("provider down")
	m, err := NewMatcher(emb, 0.5, nil, nil)
	require.NoError(t, err)

	_, err = m.FindSimilarPatterns(context.Background(), "x", corpus(), 0.5)
	require.ErrorContains(t, err, "provider down")
}

type staticSource []*training.Pattern

func (s staticSource) ListActive(context.Context, string) ([]*training.Pattern, error) {
	out := make([]*training.Pattern, len(s))
	for i, p := range s {
		out[i] = p.Clone()
	}
	return out, nil
}

type sightings struct{ ids []string }

func (s *sightings) RecordSighting(_ context.Context, id string) (*training.Pattern, error) {
	s.ids = append(s.ids, id)
	return &training.Pattern{ID: id}, nil
}

func TestSignalScorer(t *testing.T) {
	t.Parallel()

	m, err := NewMatcher(newEmbedder(), 0.9, nil, nil)
	require.NoError(t, err)
	src := staticSource{
		{ID: "p1", Text: "open roles", SignalID: "hiring", PositiveCount: 8, NegativeCount: 2, SeenCount: 10, Confidence: 75},
		{ID: "p3", Text: "closed a round", SignalID: "funding", Embedding: []float32{1, 0}},
	}
	seen := &sightings{}
	scorer, err := NewSignalScorer(m, src, confidence.New(confidence.Config{}, nil), seen, 0, nil)
	require.NoError(t, err)

	sigs := []scrape.ExtractedSignal{
		{SignalID: "hiring", Snippet: "we are hiring", Confidence: 75},
		{SignalID: "tech", Snippet: "we are hiring", Confidence: 60},
	}
	require.NoError(t, scorer.ScoreSignals(context.Background(), "saas", sigs))

	require.NotNil(t, sigs[0].Pattern)
	require.Equal(t, "p1", sigs[0].Pattern.PatternID)
	require.InDelta(t, 1, sigs[0].Pattern.Similarity, 1e-9)
	require.Greater(t, sigs[0].Pattern.Confidence, 0.0)
	want := (75 + sigs[0].Pattern.Confidence) / 2
	require.InDelta(t, want, sigs[0].Pattern.Blended, 0.5)
	require.Equal(t, 75, sigs[0].Confidence, "tier confidence is left as detected")
	require.Nil(t, sigs[1].Pattern)
	require.Equal(t, 60, sigs[1].Confidence)
	require.Equal(t, []string{"p1"}, seen.ids)
}
