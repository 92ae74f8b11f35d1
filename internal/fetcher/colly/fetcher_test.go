package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scraper-intel/internal/retry"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

func TestScrapeReturnsBodyAndContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "yes" {
			http.Error(w, "missing trace header", http.StatusBadRequest)
			return
		}
		if r.UserAgent() != "intel-bot" {
			http.Error(w, "unexpected user agent", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>We're hiring</body></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "intel-bot", Timeout: 5 * time.Second}, nil)
	resp, err := f.Scrape(context.Background(), scrape.ScrapeRequest{
		URL:     srv.URL + "/careers",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	if err != nil {
		t.Fatalf("Scrape returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.ContentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", resp.ContentType)
	}
	if string(resp.Body) != "<html><body>We're hiring</body></html>" {
		t.Fatalf("unexpected body %q", resp.Body)
	}

	// The same URL can be fetched again.
	if _, err := f.Scrape(context.Background(), scrape.ScrapeRequest{
		URL:     srv.URL + "/careers",
		Headers: http.Header{"X-Trace": {"yes"}},
	}); err != nil {
		t.Fatalf("second Scrape returned error: %v", err)
	}
}

func TestScrapeClassifiesStatusErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status int
		kind   retry.Kind
	}{
		{http.StatusTooManyRequests, retry.KindRateLimit},
		{http.StatusServiceUnavailable, retry.KindNetwork},
		{http.StatusGatewayTimeout, retry.KindTimeout},
		{http.StatusNotFound, retry.KindValidation},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			_, err := New(Config{}, nil).Scrape(context.Background(), scrape.ScrapeRequest{URL: srv.URL})
			var classified *retry.Error
			if !errors.As(err, &classified) {
				t.Fatalf("expected classified error, got %v", err)
			}
			if classified.Kind != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, classified.Kind)
			}
		})
	}
}

func TestScrapeHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: time.Minute}, nil).Scrape(ctx, scrape.ScrapeRequest{URL: srv.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	if retry.Classify(err).Kind != retry.KindTimeout {
		t.Fatalf("expected timeout classification, got %v", err)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := scrape.ScrapeRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result scrape.ScrapeResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusOK || string(result.Body) != "body" || result.ContentType != "text/plain" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestRequestTimeoutFollowsDeadline(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Minute}, nil)
	if got := f.requestTimeout(context.Background()); got != time.Minute {
		t.Fatalf("expected configured timeout, got %s", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if got := f.requestTimeout(ctx); got > time.Second {
		t.Fatalf("expected deadline to shorten timeout, got %s", got)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
