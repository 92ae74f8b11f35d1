// Package collyfetcher implements scrape.Scraper using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/retry"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// MaxBodyBytes caps the response body; zero keeps colly's 10MB default.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// Fetcher implements scrape.Scraper using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}

	transport := newRobotsTransport(newHTTPTransport(), logger.Named("colly"))
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Scrape executes a single HTTP GET. Responses with status >= 400 are
// returned as classified errors.
func (f *Fetcher) Scrape(ctx context.Context, req scrape.ScrapeRequest) (scrape.ScrapeResponse, error) {
	var (
		result   scrape.ScrapeResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, req, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return scrape.ScrapeResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	req scrape.ScrapeRequest,
	start time.Time,
	result *scrape.ScrapeResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.requestTimeout(ctx))
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, req, start, result, fetchErr)
	return collector
}

// requestTimeout is the configured timeout, shortened to the ctx deadline so
// the underlying request does not outlive the caller.
func (f *Fetcher) requestTimeout(ctx context.Context) time.Duration {
	timeout := f.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req scrape.ScrapeRequest,
	start time.Time,
	result *scrape.ScrapeResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp := scrape.ScrapeResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			resp.ContentType = r.Headers.Get("Content-Type")
		}
		*result = resp
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = statusError(r.StatusCode, req.URL)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			var classified *retry.Error
			if errors.As(*fetchErr, &classified) {
				return classified
			}
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) || errors.Is(err, colly.ErrForbiddenURL) ||
				errors.Is(err, colly.ErrMissingURL) {
				return retry.New(retry.KindValidation, fmt.Errorf("visit %s: %w", url, err))
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// statusError maps an HTTP failure status onto the retry taxonomy.
func statusError(code int, url string) error {
	err := fmt.Errorf("HTTP %d from %s", code, url)
	switch {
	case code == http.StatusTooManyRequests:
		return retry.New(retry.KindRateLimit, err)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return retry.New(retry.KindTimeout, err)
	case code >= http.StatusInternalServerError:
		return retry.New(retry.KindNetwork, err)
	default:
		return retry.New(retry.KindValidation, err)
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	if headers == nil {
		return
	}
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
