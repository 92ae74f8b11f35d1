// Package metrics exposes Prometheus collectors for the intelligence engine.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	scrapesTotal          *prometheus.CounterVec
	scrapeBytesTotal      *prometheus.CounterVec
	cacheLookups          *prometheus.CounterVec
	cacheEvictions        *prometheus.CounterVec
	rateLimitDelays       *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge
	archiveSaves          *prometheus.CounterVec
	archiveSwept          prometheus.Counter
	embeddingRequests     *prometheus.CounterVec
	embeddingTokens       prometheus.Counter
	signalsExtracted      *prometheus.CounterVec
	leadScores            prometheus.Histogram
	patternMatches        prometheus.Counter
	confidenceAdjustments *prometheus.CounterVec
}

// New builds and registers the collectors. A nil registry uses a fresh one.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
		scrapesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_scrapes_total",
			Help: "Scrape attempts, labeled by site and status.",
		}, []string{"site", "status"}),
		scrapeBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_scrape_bytes_total",
			Help: "Bytes fetched, labeled by site.",
		}, []string{"site"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_cache_lookups_total",
			Help: "Result cache lookups, labeled by platform and outcome.",
		}, []string{"platform", "outcome"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_cache_evictions_total",
			Help: "Result cache removals, labeled by reason.",
		}, []string{"reason"}),
		rateLimitDelays: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intel_rate_limit_delay_seconds",
			Help:    "Time spent waiting for a domain slot.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intel_active_workers",
			Help: "Number of workers currently processing a job.",
		}),
		archiveSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_archive_saves_total",
			Help: "Archive writes, labeled by policy and outcome.",
		}, []string{"policy", "outcome"}),
		archiveSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intel_archive_swept_total",
			Help: "Archive entries removed by the sweeper.",
		}),
		embeddingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_embedding_requests_total",
			Help: "Embedding lookups, labeled by source (cache or provider).",
		}, []string{"source"}),
		embeddingTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intel_embedding_tokens_total",
			Help: "Tokens billed by the embedding provider.",
		}),
		signalsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_signals_extracted_total",
			Help: "Signals extracted, labeled by signal id.",
		}, []string{"signal"}),
		leadScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intel_lead_score",
			Help:    "Lead score per distilled page.",
			Buckets: []float64{0, 10, 25, 50, 75, 100, 125, 150},
		}),
		patternMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intel_pattern_matches_total",
			Help: "Training patterns matched above threshold.",
		}),
		confidenceAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intel_confidence_adjustments_total",
			Help: "Feedback-driven confidence updates, labeled by direction.",
		}, []string{"direction"}),
	}
	for _, c := range []prometheus.Collector{
		m.httpRequestsTotal, m.httpRequestDuration, m.scrapesTotal, m.scrapeBytesTotal,
		m.cacheLookups, m.cacheEvictions, m.rateLimitDelays, m.activeWorkers,
		m.archiveSaves, m.archiveSwept, m.embeddingRequests, m.embeddingTokens,
		m.signalsExtracted, m.leadScores, m.patternMatches, m.confidenceAdjustments,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return m, nil
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveScrape records one fetch.
func (m *Metrics) ObserveScrape(site, status string, bytesFetched int) {
	if m == nil {
		return
	}
	s := SanitizeSite(site)
	m.scrapesTotal.WithLabelValues(s, status).Inc()
	if bytesFetched > 0 {
		m.scrapeBytesTotal.WithLabelValues(s).Add(float64(bytesFetched))
	}
}

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit(platform string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(platform, "hit").Inc()
}

// CacheMiss implements cache.Observer.
func (m *Metrics) CacheMiss(platform string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(platform, "miss").Inc()
}

// CacheEviction implements cache.Observer.
func (m *Metrics) CacheEviction(reason string) {
	if m == nil {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay implements ratelimit.DelayObserver.
func (m *Metrics) ObserveRateLimitDelay(domain string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitDelays.WithLabelValues(domain).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func (m *Metrics) IncActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func (m *Metrics) DecActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}

// ObserveArchiveSave records an archive write; outcome is "created" or "deduplicated".
func (m *Metrics) ObserveArchiveSave(policy, outcome string) {
	if m == nil {
		return
	}
	m.archiveSaves.WithLabelValues(policy, outcome).Inc()
}

// ObserveArchiveSwept adds n removed entries.
func (m *Metrics) ObserveArchiveSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archiveSwept.Add(float64(n))
}

// ObserveEmbedding records a lookup served from source ("cache" or "provider").
func (m *Metrics) ObserveEmbedding(source string, tokens int) {
	if m == nil {
		return
	}
	m.embeddingRequests.WithLabelValues(source).Inc()
	if tokens > 0 {
		m.embeddingTokens.Add(float64(tokens))
	}
}

// ObserveSignals records the signals and lead score of one distilled page.
func (m *Metrics) ObserveSignals(signalIDs []string, leadScore float64) {
	if m == nil {
		return
	}
	for _, id := range signalIDs {
		m.signalsExtracted.WithLabelValues(id).Inc()
	}
	m.leadScores.Observe(leadScore)
}

// ObservePatternMatches adds n pattern matches.
func (m *Metrics) ObservePatternMatches(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.patternMatches.Add(float64(n))
}

// ObserveConfidenceAdjustment records one feedback update.
func (m *Metrics) ObserveConfidenceAdjustment(positive bool) {
	if m == nil {
		return
	}
	dir := "negative"
	if positive {
		dir = "positive"
	}
	m.confidenceAdjustments.WithLabelValues(dir).Inc()
}
