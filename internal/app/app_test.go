package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/app"
	"github.com/JakeFAU/scraper-intel/internal/config"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

const intelYAML = `
industry: saas
name: SaaS buying signals
signals:
  - id: hiring
    label: Hiring
    keywords: [hiring, "we're hiring"]
    priority: high
scoring_rules:
  - id: enterprise
    name: Enterprise lead
    condition: "company.size >= 100"
    score_boost: 10
    enabled: true
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	return cfg
}

func TestBuildInMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Equal(t, []string{"archive-sweep", "cache-sweep", "embedding-sweep", "job-prune", "limiter-cleanup"},
		a.Janitor().Tasks())
	for _, name := range a.Janitor().Tasks() {
		require.NoError(t, a.Janitor().RunNow(ctx, name), name)
	}
	require.Len(t, a.Archives(), 2)
	assert.Equal(t, "scrape_archive", a.Archives()[0].Policy().Collection)
	assert.NotNil(t, a.Training())
	assert.NotNil(t, a.Versioning())
}

func TestBuildSkipsUnscheduledTasks(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Janitor.EmbeddingSweep = ""
	cfg.Janitor.LimiterCleanup = ""

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Equal(t, []string{"archive-sweep", "cache-sweep", "job-prune"}, a.Janitor().Tasks())
}

func TestBuildSeedsIntel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "saas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(intelYAML), 0o600))

	cfg := testConfig(t)
	cfg.Intel.Files = []string{path}
	a, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx)

	ri, err := a.Intel().Get(ctx, "saas")
	require.NoError(t, err)
	assert.Equal(t, 1, ri.Version)
	require.Len(t, ri.Signals, 1)

	// Seeding again bumps the stored version.
	require.NoError(t, a.SeedIntel(ctx, path))
	ri, err = a.Intel().Get(ctx, "saas")
	require.NoError(t, err)
	assert.Equal(t, 2, ri.Version)
}

func TestBuildFailsOnBadIntel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("industry: \"\"\n"), 0o600))

	cfg := testConfig(t)
	cfg.Intel.Files = []string{path}
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed intel")
}

func TestBuildFailsOnUnreachablePostgres(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Storage.Backend = "postgres"
	cfg.Storage.Postgres.DSN = "postgres://intel@127.0.0.1:1/intel?connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := app.New(ctx, cfg, zap.NewNop())
	require.Error(t, err)
}

func TestHandlerProbes(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_, err = a.Runner().SubmitJob(scrape.JobConfig{URL: "https://example.com"})
	require.Error(t, err)
}
