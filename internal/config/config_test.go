package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Runner.Workers != 4 || cfg.Runner.DefaultTimeout != 30*time.Second {
		t.Fatalf("unexpected runner defaults: %+v", cfg.Runner)
	}
	if got := cfg.Cache.PlatformTTLs["linkedin"]; got != 24*time.Hour {
		t.Fatalf("expected linkedin ttl 24h, got %v", got)
	}
	if cfg.Archive.TemporaryTTL != 7*24*time.Hour || cfg.Archive.DiscoveryTTL != 30*24*time.Hour {
		t.Fatalf("unexpected archive ttls: %+v", cfg.Archive)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.Blob.Backend != "none" {
		t.Fatalf("expected in-memory storage by default: %+v", cfg.Storage)
	}
	if cfg.Confidence.PriorAlpha != 1 || cfg.Confidence.Max != 95 {
		t.Fatalf("expected confidence defaults, got %+v", cfg.Confidence)
	}
	if cfg.Janitor.ArchiveSweep != "@every 1h" {
		t.Fatalf("expected hourly archive sweep, got %q", cfg.Janitor.ArchiveSweep)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
runner:
  workers: 8
  default_timeout: 45s
  default_industry: fintech
cache:
  capacity: 50
  platform_ttls:
    linkedin: 2h
retry:
  base_delay: 250ms
  multiplier: 3
storage:
  backend: postgres
  postgres:
    dsn: postgres://intel@localhost/intel
  blob:
    backend: local
    local_dir: /var/lib/intel
embedding:
  provider: http
  endpoint: https://embeddings.example/v1/embeddings
  cache: redis
  redis_addr: localhost:6379
pubsub:
  backend: pubsub
  project_id: acme
  topic: signals
scraper:
  mode: auto
  headless_platforms: [linkedin]
confidence:
  prior_alpha: 2
intel:
  files: [intel/saas.yaml, intel/fintech.yaml]
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides to apply: %+v", cfg.Server)
	}
	if cfg.Runner.Workers != 8 || cfg.Runner.DefaultTimeout != 45*time.Second || cfg.Runner.DefaultIndustry != "fintech" {
		t.Fatalf("expected runner overrides to apply: %+v", cfg.Runner)
	}
	if cfg.Cache.Capacity != 50 || cfg.Cache.PlatformTTLs["linkedin"] != 2*time.Hour {
		t.Fatalf("expected cache overrides to apply: %+v", cfg.Cache)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond || cfg.Retry.Multiplier != 3 {
		t.Fatalf("expected retry overrides to apply: %+v", cfg.Retry)
	}
	if cfg.Storage.Backend != "postgres" || cfg.Storage.Postgres.Table != "documents" {
		t.Fatalf("expected postgres with default table: %+v", cfg.Storage)
	}
	if cfg.Embedding.Cache != "redis" || cfg.Embedding.Model != "text-embedding-3-small" {
		t.Fatalf("expected embedding overrides to merge with defaults: %+v", cfg.Embedding)
	}
	if cfg.Scraper.Mode != "auto" || len(cfg.Scraper.HeadlessPlatforms) != 1 {
		t.Fatalf("expected scraper overrides to apply: %+v", cfg.Scraper)
	}
	if cfg.Confidence.PriorAlpha != 2 || cfg.Confidence.PriorBeta != 1 {
		t.Fatalf("expected partial confidence override: %+v", cfg.Confidence)
	}
	if len(cfg.Intel.Files) != 2 {
		t.Fatalf("expected two intel files, got %v", cfg.Intel.Files)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("INTEL_RUNNER_WORKERS", "12")
	t.Setenv("INTEL_SERVER_API_KEY", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runner.Workers != 12 {
		t.Fatalf("expected workers from env, got %d", cfg.Runner.Workers)
	}
	if cfg.Server.APIKey != "from-env" {
		t.Fatalf("expected api key from env, got %q", cfg.Server.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid workers", func(c *Config) { c.Runner.Workers = 0 }, "runner.workers"},
		{"invalid timeout", func(c *Config) { c.Runner.DefaultTimeout = 0 }, "runner.default_timeout"},
		{"invalid capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
		{"invalid window", func(c *Config) { c.RateLimit.Window = 0 }, "ratelimit"},
		{"shrinking backoff", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1 }, "retry.jitter"},
		{"archive ttl", func(c *Config) { c.Archive.DiscoveryTTL = 0 }, "archive ttls"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "mysql" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.postgres.dsn"},
		{"local blobs without dir", func(c *Config) { c.Storage.Blob.Backend = "local" }, "storage.blob.local_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.Blob.Backend = "gcs" }, "storage.blob.gcs_bucket"},
		{"http embeddings without endpoint", func(c *Config) { c.Embedding.Provider = "http" }, "embedding.endpoint"},
		{"redis without addr", func(c *Config) { c.Embedding.Cache = "redis" }, "embedding.redis_addr"},
		{"pubsub without project", func(c *Config) { c.PubSub.Backend = "pubsub" }, "pubsub.project_id"},
		{"unknown scraper", func(c *Config) { c.Scraper.Mode = "curl" }, "scraper.mode"},
		{"headless without parallelism", func(c *Config) {
			c.Scraper.Mode = "headless"
			c.Scraper.Headless.MaxParallel = 0
		}, "scraper.headless.max_parallel"},
		{"pattern threshold", func(c *Config) { c.Pattern.Threshold = 1.5 }, "pattern.threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadShippedConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join("..", "..", "configs", "intelengine.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Blob.Backend != "local" || cfg.PubSub.Backend != "memory" {
		t.Fatalf("unexpected backends: %+v %+v", cfg.Storage.Blob, cfg.PubSub)
	}
	if len(cfg.Intel.Files) != 1 {
		t.Fatalf("expected one intel file, got %v", cfg.Intel.Files)
	}
}
