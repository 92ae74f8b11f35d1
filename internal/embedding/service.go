package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/hash/sha256"
)

// Observer receives per-lookup accounting; *metrics.Metrics satisfies it.
type Observer interface {
	ObserveEmbedding(source string, tokens int)
}

// Config configures a Service.
type Config struct {
	// Model is part of every cache key so vectors from different models
	// never mix.
	Model           string
	BatchSize       int
	CacheTTL        time.Duration
	CostPer1KTokens float64
}

// Usage is cumulative accounting for a Service.
type Usage struct {
	Requests      int64   `json:"requests"`
	Tokens        int64   `json:"tokens"`
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// HitRate is CacheHits over all lookups.
func (u Usage) HitRate() float64 {
	total := u.CacheHits + u.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(u.CacheHits) / float64(total)
}

// Service embeds text, consulting the cache before the provider.
type Service struct {
	provider Provider
	cache    Cache
	cfg      Config
	observer Observer
	logger   *zap.Logger
	hasher   *sha256.Hasher

	mu    sync.Mutex
	usage Usage
}

// NewService builds a Service. A nil cache disables caching.
func NewService(provider Provider, cache Cache, cfg Config, observer Observer, logger *zap.Logger) (*Service, error) {
	if provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		observer: observer,
		logger:   logger.Named("embedding"),
		hasher:   sha256.New(),
	}, nil
}

func (s *Service) key(text string) string {
	return s.cfg.Model + ":" + s.hasher.HashString(text)
}

// Embed returns the vector for one text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text in input order. Cached vectors are
// reused; the rest are requested in chunks of BatchSize. Duplicate texts are
// sent once.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	pending := make(map[string][]int)
	var order []string

	for i, text := range texts {
		if idx, dup := pending[text]; dup {
			pending[text] = append(idx, i)
			continue
		}
		if vec, ok := s.cacheGet(ctx, text); ok {
			out[i] = vec
			s.record(func(u *Usage) { u.CacheHits++ })
			if s.observer != nil {
				s.observer.ObserveEmbedding("cache", 0)
			}
			continue
		}
		s.record(func(u *Usage) { u.CacheMisses++ })
		pending[text] = []int{i}
		order = append(order, text)
	}

	for start := 0; start < len(order); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(order))
		chunk := order[start:end]
		res, err := s.provider.Embed(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		if len(res.Vectors) != len(chunk) {
			return nil, fmt.Errorf("embed batch [%d:%d]: got %d vectors", start, end, len(res.Vectors))
		}
		s.record(func(u *Usage) {
			u.Requests++
			u.Tokens += int64(res.Tokens)
			u.EstimatedCost = float64(u.Tokens) / 1000 * s.cfg.CostPer1KTokens
		})
		if s.observer != nil {
			s.observer.ObserveEmbedding("provider", res.Tokens)
		}
		for j, text := range chunk {
			vec := res.Vectors[j]
			for _, i := range pending[text] {
				out[i] = append([]float32(nil), vec...)
			}
			s.cacheSet(ctx, text, vec)
		}
	}
	return out, nil
}

func (s *Service) cacheGet(ctx context.Context, text string) ([]float32, bool) {
	if s.cache == nil {
		return nil, false
	}
	vec, ok, err := s.cache.Get(ctx, s.key(text))
	if err != nil {
		s.logger.Warn("embedding cache read failed", zap.Error(err))
		return nil, false
	}
	return vec, ok
}

func (s *Service) cacheSet(ctx context.Context, text string, vec []float32) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, s.key(text), vec, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("embedding cache write failed", zap.Error(err))
	}
}

func (s *Service) record(fn func(*Usage)) {
	s.mu.Lock()
	fn(&s.usage)
	s.mu.Unlock()
}

// Usage returns a snapshot of the accounting.
func (s *Service) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
