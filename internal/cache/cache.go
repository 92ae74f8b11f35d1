// Package cache holds recent job results keyed by (url, platform, tenant).
//
// Entries expire after a per-platform TTL and the cache is bounded by a
// strict least-recently-used policy. Expiry is lazy on Get; Sweep removes
// expired entries in bulk.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"go.uber.org/zap"
)

// Key identifies a cached result.
type Key struct {
	URL      string
	Platform string
	TenantID string
}

// KeyFor builds the cache key for a job config.
func KeyFor(cfg scrape.JobConfig) Key {
	return Key{
		URL:      strings.TrimSpace(cfg.URL),
		Platform: strings.ToLower(cfg.Platform),
		TenantID: cfg.TenantID,
	}
}

// Config controls capacity and TTLs.
type Config struct {
	Capacity     int
	DefaultTTL   time.Duration
	PlatformTTLs map[string]time.Duration
}

// Observer receives hit, miss and eviction notifications.
type Observer interface {
	CacheHit(platform string)
	CacheMiss(platform string)
	CacheEviction(reason string)
}

// Entry is a cached result with bookkeeping.
type Entry struct {
	Key          Key
	Result       scrape.JobResult
	ContentHash  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastAccessAt time.Time
	Hits         int
	sizeBytes    int
}

// Age returns how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

// Stats summarises cache behaviour.
type Stats struct {
	Size           int           `json:"size"`
	Capacity       int           `json:"capacity"`
	Hits           uint64        `json:"hits"`
	Misses         uint64        `json:"misses"`
	Evictions      uint64        `json:"evictions"`
	Expirations    uint64        `json:"expirations"`
	HitRate        float64       `json:"hit_rate"`
	AverageAge     time.Duration `json:"average_age"`
	EstimatedBytes int           `json:"estimated_bytes"`
}

// Cache is a TTL + LRU result cache safe for concurrent use.
type Cache struct {
	cfg      Config
	clock    scrape.Clock
	logger   *zap.Logger
	observer Observer

	mu          sync.Mutex
	order       *list.List // front = most recently used
	items       map[Key]*list.Element
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	bytes       int
}

// New constructs a cache. Capacity defaults to 1000 and DefaultTTL to 1h.
func New(cfg Config, clock scrape.Clock, logger *zap.Logger, observer Observer) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	normalized := make(map[string]time.Duration, len(cfg.PlatformTTLs))
	for k, v := range cfg.PlatformTTLs {
		normalized[strings.ToLower(k)] = v
	}
	cfg.PlatformTTLs = normalized
	if clock == nil {
		clock = scrape.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:      cfg,
		clock:    clock,
		logger:   logger.Named("cache"),
		observer: observer,
		order:    list.New(),
		items:    make(map[Key]*list.Element),
	}
}

// TTLFor returns the TTL applied to a platform.
func (c *Cache) TTLFor(platform string) time.Duration {
	if ttl, ok := c.cfg.PlatformTTLs[strings.ToLower(platform)]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Get returns a live entry. Expired entries count as misses and are removed.
func (c *Cache) Get(key Key) (Entry, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		c.notifyMiss(key.Platform)
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	if !now.Before(e.ExpiresAt) {
		c.removeElement(el)
		c.expirations++
		c.misses++
		c.notifyMiss(key.Platform)
		if c.observer != nil {
			c.observer.CacheEviction("expired")
		}
		return Entry{}, false
	}
	e.Hits++
	e.LastAccessAt = now
	c.order.MoveToFront(el)
	c.hits++
	if c.observer != nil {
		c.observer.CacheHit(key.Platform)
	}
	return *e, true
}

// Set stores a result with a fresh content hash, evicting the least recently
// used entry when full.
func (c *Cache) Set(key Key, result scrape.JobResult, contentHash string) {
	now := c.clock.Now()
	entry := &Entry{
		Key:          key,
		Result:       result,
		ContentHash:  contentHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.TTLFor(key.Platform)),
		LastAccessAt: now,
		sizeBytes:    estimateSize(key, result),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		old := el.Value.(*Entry)
		c.bytes -= old.sizeBytes
		el.Value = entry
		c.bytes += entry.sizeBytes
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.cfg.Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
		if c.observer != nil {
			c.observer.CacheEviction("capacity")
		}
	}
	c.items[key] = c.order.PushFront(entry)
	c.bytes += entry.sizeBytes
}

// IsStale reports whether contentHash differs from the cached one. Missing
// entries are stale.
func (c *Cache) IsStale(key Key, contentHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return true
	}
	return el.Value.(*Entry).ContentHash != contentHash
}

// Delete removes a key.
func (c *Cache) Delete(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Sweep removes every expired entry and returns how many it removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*Entry).ExpiresAt) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	c.expirations += uint64(removed)
	size := c.order.Len()
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("cache sweep", zap.Int("removed", removed), zap.Int("size", size))
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns counters and derived figures.
func (c *Cache) Stats() Stats {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:           c.order.Len(),
		Capacity:       c.cfg.Capacity,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		Expirations:    c.expirations,
		EstimatedBytes: c.bytes,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if s.Size > 0 {
		var age time.Duration
		for el := c.order.Front(); el != nil; el = el.Next() {
			age += el.Value.(*Entry).Age(now)
		}
		s.AverageAge = age / time.Duration(s.Size)
	}
	return s
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*Entry)
	c.order.Remove(el)
	delete(c.items, e.Key)
	c.bytes -= e.sizeBytes
}

func (c *Cache) notifyMiss(platform string) {
	if c.observer != nil {
		c.observer.CacheMiss(platform)
	}
}

// entryOverhead approximates list, map and struct bookkeeping per entry.
const entryOverhead = 256

func estimateSize(key Key, r scrape.JobResult) int {
	n := entryOverhead + len(key.URL) + len(key.Platform) + len(key.TenantID) + len(r.ContentHash)
	for _, s := range r.Signals {
		n += 128 + len(s.Snippet) + len(s.Label) + len(s.MatchedTerm) + len(s.ID) + len(s.SignalID)
	}
	for _, rule := range r.MatchedRules {
		n += len(rule)
	}
	return n
}
