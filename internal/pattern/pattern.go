// Package pattern finds training patterns semantically close to a piece of
// text by comparing embeddings.
package pattern

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/training"
)

// ErrDimensionMismatch is returned when two vectors differ in length.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// CosineSimilarity maps the cosine of a and b from [-1,1] onto [0,1]. A zero
// vector has no direction and scores 0.5, the value of orthogonal vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0.5, nil
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	cos = math.Max(-1, math.Min(1, cos))
	return (cos + 1) / 2, nil
}

// Embedder turns texts into vectors; *embedding.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Observer counts matches; *metrics.Metrics satisfies it.
type Observer interface {
	ObservePatternMatches(n int)
}

// Match is a pattern scored against a query.
type Match struct {
	Pattern    *training.Pattern `json:"pattern"`
	Similarity float64           `json:"similarity"`
}

// Matcher scores corpora of patterns against query text.
type Matcher struct {
	embedder         Embedder
	observer         Observer
	defaultThreshold float64
	logger           *zap.Logger
}

// NewMatcher builds a Matcher. defaultThreshold applies when callers pass a
// negative threshold; zero or less means 0.75.
func NewMatcher(embedder Embedder, defaultThreshold float64, observer Observer, logger *zap.Logger) (*Matcher, error) {
	if embedder == nil {
		return nil, errors.New("pattern matcher: embedder is required")
	}
	if defaultThreshold <= 0 || defaultThreshold > 1 {
		defaultThreshold = 0.75
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		embedder:         embedder,
		observer:         observer,
		defaultThreshold: defaultThreshold,
		logger:           logger.Named("pattern"),
	}, nil
}

// DefaultThreshold returns the threshold used for negative arguments.
func (m *Matcher) DefaultThreshold() float64 { return m.defaultThreshold }

// FindSimilarPatterns embeds query and returns every corpus pattern whose
// similarity is at least threshold, most similar first. Patterns without an
// embedding are embedded in one batch and the vectors are stored on them.
// Patterns whose vectors have a different dimension are skipped.
func (m *Matcher) FindSimilarPatterns(ctx context.Context, query string, corpus []*training.Pattern, threshold float64) ([]Match, error) {
	if threshold < 0 {
		threshold = m.defaultThreshold
	}
	if len(corpus) == 0 {
		return nil, nil
	}
	qv, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := m.fillEmbeddings(ctx, corpus); err != nil {
		return nil, err
	}

	var matches []Match
	skipped := 0
	for _, p := range corpus {
		if p == nil {
			continue
		}
		sim, err := CosineSimilarity(qv, p.Embedding)
		if errors.Is(err, ErrDimensionMismatch) {
			skipped++
			continue
		}
		if sim >= threshold {
			matches = append(matches, Match{Pattern: p, Similarity: sim})
		}
	}
	if skipped > 0 {
		m.logger.Warn("patterns skipped for dimension mismatch",
			zap.Int("skipped", skipped),
			zap.Int("query_dimensions", len(qv)),
		)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if m.observer != nil {
		m.observer.ObservePatternMatches(len(matches))
	}
	return matches, nil
}

// FindBestMatch returns the most similar pattern at or above threshold, or
// nil when none qualifies.
func (m *Matcher) FindBestMatch(ctx context.Context, query string, corpus []*training.Pattern, threshold float64) (*Match, error) {
	matches, err := m.FindSimilarPatterns(ctx, query, corpus, threshold)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	return &matches[0], nil
}

func (m *Matcher) fillEmbeddings(ctx context.Context, corpus []*training.Pattern) error {
	var missing []*training.Pattern
	var texts []string
	for _, p := range corpus {
		if p != nil && len(p.Embedding) == 0 {
			missing = append(missing, p)
			texts = append(texts, p.Text)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d patterns: %w", len(missing), err)
	}
	for i, p := range missing {
		p.Embedding = vecs[i]
	}
	m.logger.Debug("embedded patterns", zap.Int("count", len(missing)))
	return nil
}
