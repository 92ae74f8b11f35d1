package auto

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

type countingScraper struct {
	resp  scrape.ScrapeResponse
	err   error
	calls int
}

func (c *countingScraper) Scrape(context.Context, scrape.ScrapeRequest) (scrape.ScrapeResponse, error) {
	c.calls++
	return c.resp, c.err
}

func TestScraperRouting(t *testing.T) {
	t.Parallel()

	static := scrape.ScrapeResponse{StatusCode: 200, ContentType: "text/html", Body: []byte("<html><body><p>" + strings.Repeat("hiring ", 600) + "</p></body></html>")}
	spa := scrape.ScrapeResponse{StatusCode: 200, ContentType: "text/html", Body: []byte(`<div id="root"></div>`)}
	rendered := scrape.ScrapeResponse{StatusCode: 200, ContentType: "text/html", Body: []byte("<p>We're hiring</p>")}

	testCases := []struct {
		name          string
		platform      string
		probe         scrape.ScrapeResponse
		headlessErr   error
		want          scrape.ScrapeResponse
		probeCalls    int
		headlessCalls int
	}{
		{"static page stays on probe", "website", static, nil, static, 1, 0},
		{"spa is promoted", "website", spa, nil, rendered, 1, 1},
		{"headless platform skips probe", "linkedin", static, nil, rendered, 0, 1},
		{"render failure keeps probe", "website", spa, errors.New("chrome crashed"), spa, 1, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			probe := &countingScraper{resp: tc.probe}
			headless := &countingScraper{resp: rendered, err: tc.headlessErr}
			s, err := New(probe, headless, nil, []string{"LinkedIn"}, nil)
			require.NoError(t, err)

			got, err := s.Scrape(context.Background(), scrape.ScrapeRequest{URL: "https://acme.example", Platform: tc.platform})
			if tc.platform == "linkedin" && tc.headlessErr != nil {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.probeCalls, probe.calls)
			require.Equal(t, tc.headlessCalls, headless.calls)
		})
	}
}

func TestScraperWithoutHeadless(t *testing.T) {
	t.Parallel()

	probe := &countingScraper{resp: scrape.ScrapeResponse{StatusCode: 200, Body: []byte(`<div id="root"></div>`)}}
	s, err := New(probe, nil, nil, []string{"linkedin"}, nil)
	require.NoError(t, err)

	got, err := s.Scrape(context.Background(), scrape.ScrapeRequest{Platform: "linkedin"})
	require.NoError(t, err)
	require.Equal(t, probe.resp, got)

	_, err = New(nil, nil, nil, nil, nil)
	require.Error(t, err)
}
