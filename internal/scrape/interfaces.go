package scrape

import (
	"context"
	"time"
)

// Scraper fetches raw content for a URL. Implementations must honour ctx
// cancellation and deadlines.
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) (ScrapeResponse, error)
}

// ScraperFunc adapts a function to Scraper.
type ScraperFunc func(ctx context.Context, req ScrapeRequest) (ScrapeResponse, error)

// Scrape calls f.
func (f ScraperFunc) Scrape(ctx context.Context, req ScrapeRequest) (ScrapeResponse, error) {
	return f(ctx, req)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }
