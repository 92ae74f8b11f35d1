package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-intel/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

// embedServer answers with vectors [len(input), index] in reverse index order.
func embedServer(t *testing.T, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= failFirst {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.EncodingFormat != "float" || req.Model != "text-embedding-3-small" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data  []item         `json:"data"`
			Model string         `json:"model"`
			Usage map[string]int `json:"usage"`
		}{Model: req.Model, Usage: map[string]int{"prompt_tokens": 3 * len(req.Input), "total_tokens": 3 * len(req.Input)}}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, item{Embedding: []float32{float32(len(req.Input[i])), float32(i)}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newProvider(t *testing.T, url string) *HTTPProvider {
	t.Helper()
	p, err := NewHTTPProvider(HTTPConfig{
		Endpoint:          url,
		APIKey:            "sk-test",
		Model:             "text-embedding-3-small",
		RequestsPerSecond: 1000,
		Burst:             10,
		Retry:             fastRetry(),
	}, nil, nil)
	require.NoError(t, err)
	return p
}

func TestHTTPProviderReordersByIndex(t *testing.T) {
	t.Parallel()

	srv, _ := embedServer(t, 0)
	p := newProvider(t, srv.URL)

	res, err := p.Embed(context.Background(), []string{"a", "bbb"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 0}, {3, 1}}, res.Vectors)
	require.Equal(t, 6, res.Tokens)
}

func TestHTTPProviderRetries(t *testing.T) {
	t.Parallel()

	srv, calls := embedServer(t, 2)
	p := newProvider(t, srv.URL)

	_, err := p.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestHTTPProviderFailureIsRetryableNetworkError(t *testing.T) {
	t.Parallel()

	srv, calls := embedServer(t, 100)
	p := newProvider(t, srv.URL)

	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	classified := retry.Classify(err)
	require.Equal(t, retry.KindNetwork, classified.Kind)
	require.True(t, classified.Retryable)
	require.Equal(t, int32(3), calls.Load())
}

func TestServiceCachesAndBatches(t *testing.T) {
	t.Parallel()

	srv, calls := embedServer(t, 0)
	svc, err := NewService(newProvider(t, srv.URL), NewMemoryCache(nil), Config{
		Model:           "text-embedding-3-small",
		BatchSize:       2,
		CostPer1KTokens: 0.02,
	}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	vecs, err := svc.EmbedBatch(ctx, []string{"a", "bb", "ccc", "bb", "dddd"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	require.InDelta(t, 1, vecs[0][0], 0)
	require.InDelta(t, 2, vecs[1][0], 0)
	require.InDelta(t, 3, vecs[2][0], 0)
	require.Equal(t, vecs[1], vecs[3])
	require.InDelta(t, 4, vecs[4][0], 0)
	// Four unique texts in chunks of two.
	require.Equal(t, int32(2), calls.Load())

	vec, err := svc.Embed(ctx, "ccc")
	require.NoError(t, err)
	require.InDelta(t, 3, vec[0], 0)
	require.Equal(t, int32(2), calls.Load())

	u := svc.Usage()
	require.Equal(t, int64(2), u.Requests)
	require.Equal(t, int64(12), u.Tokens)
	require.Equal(t, int64(1), u.CacheHits)
	require.Equal(t, int64(4), u.CacheMisses)
	require.InDelta(t, 12.0/1000*0.02, u.EstimatedCost, 1e-12)
	require.InDelta(t, 0.2, u.HitRate(), 1e-12)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func TestMemoryCacheTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := NewMemoryCache(clock)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []float32{1, 2}, time.Minute))

	vec, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2}, vec)

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Minute)
	clock.mu.Unlock()
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", []float32{1}, time.Second))
	require.NoError(t, c.Set(ctx, "forever", []float32{1}, 0))
	clock.mu.Lock()
	clock.now = clock.now.Add(time.Hour)
	clock.mu.Unlock()
	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())
}

func TestRedisCacheRoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCache(client, "")
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	want := []float32{0.25, -1.5, 3}
	require.NoError(t, c.Set(ctx, "k", want, time.Hour))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
	require.True(t, mr.Exists("intel:embedding:k"))

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mr.Set("intel:embedding:bad", "abc"))
	_, _, err = c.Get(ctx, "bad")
	require.Error(t, err)
}

func TestHashingProviderSimilarity(t *testing.T) {
	t.Parallel()

	res, err := HashingProvider{Dimensions: 64}.Embed(context.Background(), []string{"Hiring engineers!", "hiring, engineers hiring engineers", ""})
	require.NoError(t, err)
	require.Len(t, res.Vectors, 3)
	require.Len(t, res.Vectors[0], 64)

	var dot float64
	for i := range res.Vectors[0] {
		dot += float64(res.Vectors[0][i]) * float64(res.Vectors[1][i])
	}
	require.InDelta(t, 1, dot, 1e-5)
	for _, v := range res.Vectors[2] {
		require.Zero(t, v)
	}
}
