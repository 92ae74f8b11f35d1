package embedding

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

// Cache stores vectors by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

type memoryItem struct {
	vec       []float32
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache. Expired items are dropped on
// read and by Sweep.
type MemoryCache struct {
	clock scrape.Clock

	mu    sync.Mutex
	items map[string]memoryItem
}

// NewMemoryCache creates a MemoryCache.
func NewMemoryCache(clock scrape.Clock) *MemoryCache {
	if clock == nil {
		clock = scrape.ClockFunc(time.Now)
	}
	return &MemoryCache{clock: clock, items: make(map[string]memoryItem)}
}

// Get returns a copy of the cached vector.
func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !it.expiresAt.IsZero() && !c.clock.Now().Before(it.expiresAt) {
		delete(c.items, key)
		return nil, false, nil
	}
	return append([]float32(nil), it.vec...), true, nil
}

// Set stores vec. A non-positive ttl never expires.
func (c *MemoryCache) Set(_ context.Context, key string, vec []float32, ttl time.Duration) error {
	it := memoryItem{vec: append([]float32(nil), vec...)}
	if ttl > 0 {
		it.expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = it
	c.mu.Unlock()
	return nil
}

// Sweep drops expired items and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of items, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RedisCache shares vectors between processes. Vectors are stored as
// little-endian float32 blobs.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache wraps client; keys are prefixed with prefix.
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "intel:embedding:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	blob, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get embedding: %w", err)
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.prefix+key, encodeVector(vec), ttl).Err(); err != nil {
		return fmt.Errorf("redis set embedding: %w", err)
	}
	return nil
}

func encodeVector(vec []float32) []byte {
	blob := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding blob of %d bytes", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
