// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scraper-intel/internal/confidence"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Runner     RunnerConfig      `mapstructure:"runner"`
	Cache      CacheConfig       `mapstructure:"cache"`
	RateLimit  RateLimitConfig   `mapstructure:"ratelimit"`
	Retry      RetryConfig       `mapstructure:"retry"`
	Archive    ArchiveConfig     `mapstructure:"archive"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Embedding  EmbeddingConfig   `mapstructure:"embedding"`
	PubSub     PubSubConfig      `mapstructure:"pubsub"`
	Scraper    ScraperConfig     `mapstructure:"scraper"`
	Confidence confidence.Config `mapstructure:"confidence"`
	Pattern    PatternConfig     `mapstructure:"pattern"`
	Intel      IntelConfig       `mapstructure:"intel"`
	Janitor    JanitorConfig     `mapstructure:"janitor"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// APIKey enables X-API-Key auth on /v1 when non-empty.
	APIKey string `mapstructure:"api_key"`
}

// RunnerConfig governs the worker pool and job defaults.
type RunnerConfig struct {
	Workers           int           `mapstructure:"workers"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	DefaultIndustry   string        `mapstructure:"default_industry"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	// PruneAfter is how long finished jobs stay queryable.
	PruneAfter time.Duration `mapstructure:"prune_after"`
}

// CacheConfig sizes the result cache.
type CacheConfig struct {
	Capacity     int                      `mapstructure:"capacity"`
	DefaultTTL   time.Duration            `mapstructure:"default_ttl"`
	PlatformTTLs map[string]time.Duration `mapstructure:"platform_ttls"`
}

// RateLimitConfig configures the per-domain limiter.
type RateLimitConfig struct {
	MaxRequests       int           `mapstructure:"max_requests"`
	Window            time.Duration `mapstructure:"window"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxWaitIterations int           `mapstructure:"max_wait_iterations"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
}

// RetryConfig is the backoff schedule between job attempts.
type RetryConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     float64       `mapstructure:"jitter"`
}

// ArchiveConfig tunes the two archive policies.
type ArchiveConfig struct {
	TemporaryTTL    time.Duration `mapstructure:"temporary_ttl"`
	DiscoveryTTL    time.Duration `mapstructure:"discovery_ttl"`
	OffloadBytes    int           `mapstructure:"offload_bytes"`
	PricePerGBMonth float64       `mapstructure:"price_per_gb_month"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Blob     BlobConfig     `mapstructure:"blob"`
}

// PostgresConfig controls access to the document table.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// BlobConfig selects where offloaded raw payloads live.
type BlobConfig struct {
	// Backend is "none", "memory", "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// EmbeddingConfig configures the embedding provider and its cache.
type EmbeddingConfig struct {
	// Provider is "hashing" (offline) or "http".
	Provider          string        `mapstructure:"provider"`
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BatchSize         int           `mapstructure:"batch_size"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	CostPer1KTokens   float64       `mapstructure:"cost_per_1k_tokens"`
	// Cache is "none", "memory" or "redis".
	Cache         string `mapstructure:"cache"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// PubSubConfig holds signal digest fan-out settings.
type PubSubConfig struct {
	// Backend is "none", "memory" or "pubsub".
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ScraperConfig selects and tunes the scrape executors.
type ScraperConfig struct {
	// Mode is "colly", "headless" or "auto".
	Mode          string        `mapstructure:"mode"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	// HeadlessPlatforms always render in auto mode.
	HeadlessPlatforms  []string       `mapstructure:"headless_platforms"`
	PromotionThreshold int            `mapstructure:"promotion_threshold"`
	Headless           HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
}

// PatternConfig toggles training-pattern scoring of extracted signals.
type PatternConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Threshold float64 `mapstructure:"threshold"`
}

// IntelConfig lists research intelligence files seeded at startup.
type IntelConfig struct {
	Files []string `mapstructure:"files"`
}

// JanitorConfig holds cron specs for maintenance tasks. An empty spec
// disables the task.
type JanitorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ArchiveSweep   string        `mapstructure:"archive_sweep"`
	CacheSweep     string        `mapstructure:"cache_sweep"`
	LimiterCleanup string        `mapstructure:"limiter_cleanup"`
	EmbeddingSweep string        `mapstructure:"embedding_sweep"`
	JobPrune       string        `mapstructure:"job_prune"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.max_wait", "5m")
	v.SetDefault("server.shutdown_timeout", "45s")
	v.SetDefault("server.api_key", "")

	v.SetDefault("runner.workers", 4)
	v.SetDefault("runner.default_timeout", "30s")
	v.SetDefault("runner.default_max_retries", 3)
	v.SetDefault("runner.shutdown_grace", "30s")
	v.SetDefault("runner.default_industry", "saas")
	v.SetDefault("runner.history_limit", 64)
	v.SetDefault("runner.prune_after", "24h")

	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.default_ttl", "1h")
	v.SetDefault("cache.platform_ttls", map[string]string{
		"linkedin": "24h",
		"twitter":  "15m",
		"website":  "6h",
	})

	v.SetDefault("ratelimit.max_requests", 10)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.min_delay", "1s")
	v.SetDefault("ratelimit.poll_interval", "1s")
	v.SetDefault("ratelimit.max_wait_iterations", 120)
	v.SetDefault("ratelimit.idle_ttl", "10m")

	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("archive.temporary_ttl", "168h")
	v.SetDefault("archive.discovery_ttl", "720h")
	v.SetDefault("archive.offload_bytes", 256<<10)
	v.SetDefault("archive.price_per_gb_month", 0.026)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "documents")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 1)
	v.SetDefault("storage.postgres.max_conn_lifetime", "30m")
	v.SetDefault("storage.blob.backend", "none")
	v.SetDefault("storage.blob.local_dir", "")
	v.SetDefault("storage.blob.gcs_bucket", "")
	v.SetDefault("storage.blob.gcs_prefix", "archive")

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.requests_per_second", 5.0)
	v.SetDefault("embedding.burst", 1)
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.cache_ttl", "168h")
	v.SetDefault("embedding.cost_per_1k_tokens", 0.00002)
	v.SetDefault("embedding.cache", "memory")
	v.SetDefault("embedding.redis_addr", "")
	v.SetDefault("embedding.redis_password", "")
	v.SetDefault("embedding.redis_db", 0)
	v.SetDefault("embedding.redis_prefix", "intel:embedding:")

	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "intel-signals")

	v.SetDefault("scraper.mode", "colly")
	v.SetDefault("scraper.user_agent", "scraper-intel/0.1")
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("scraper.timeout", "15s")
	v.SetDefault("scraper.max_body_bytes", 5<<20)
	v.SetDefault("scraper.headless_platforms", []string{"linkedin", "twitter"})
	v.SetDefault("scraper.promotion_threshold", 60)
	v.SetDefault("scraper.headless.max_parallel", 2)
	v.SetDefault("scraper.headless.navigation_timeout", "25s")
	v.SetDefault("scraper.headless.settle_delay", "500ms")

	d := confidence.DefaultConfig()
	v.SetDefault("confidence.prior_alpha", d.PriorAlpha)
	v.SetDefault("confidence.prior_beta", d.PriorBeta)
	v.SetDefault("confidence.min", d.Min)
	v.SetDefault("confidence.max", d.Max)
	v.SetDefault("confidence.half_life_days", d.HalfLifeDays)
	v.SetDefault("confidence.learning_rate", d.LearningRate)
	v.SetDefault("confidence.outlier_divergence", d.OutlierDivergence)
	v.SetDefault("confidence.z_threshold", d.ZThreshold)

	v.SetDefault("pattern.enabled", true)
	v.SetDefault("pattern.threshold", 0.75)

	v.SetDefault("intel.files", []string{})

	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.archive_sweep", "@every 1h")
	v.SetDefault("janitor.cache_sweep", "@every 5m")
	v.SetDefault("janitor.limiter_cleanup", "@every 5m")
	v.SetDefault("janitor.embedding_sweep", "@every 1h")
	v.SetDefault("janitor.job_prune", "@every 15m")
	v.SetDefault("janitor.task_timeout", "10m")

	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("runner.workers must be > 0")
	}
	if c.Runner.DefaultTimeout <= 0 {
		return fmt.Errorf("runner.default_timeout must be > 0")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.max_requests and ratelimit.window must be > 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0,1)")
	}
	if c.Archive.TemporaryTTL <= 0 || c.Archive.DiscoveryTTL <= 0 {
		return fmt.Errorf("archive ttls must be > 0")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, "memory", "postgres"); err != nil {
		return err
	}
	if c.Storage.Backend == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
	}
	if err := oneOf("storage.blob.backend", c.Storage.Blob.Backend, "none", "memory", "local", "gcs"); err != nil {
		return err
	}
	if c.Storage.Blob.Backend == "local" && c.Storage.Blob.LocalDir == "" {
		return fmt.Errorf("storage.blob.local_dir must be set for the local blob backend")
	}
	if c.Storage.Blob.Backend == "gcs" && c.Storage.Blob.GCSBucket == "" {
		return fmt.Errorf("storage.blob.gcs_bucket must be set for the gcs blob backend")
	}
	if err := oneOf("embedding.provider", c.Embedding.Provider, "hashing", "http"); err != nil {
		return err
	}
	if c.Embedding.Provider == "http" && c.Embedding.Endpoint == "" {
		return fmt.Errorf("embedding.endpoint must be set for the http provider")
	}
	if err := oneOf("embedding.cache", c.Embedding.Cache, "none", "memory", "redis"); err != nil {
		return err
	}
	if c.Embedding.Cache == "redis" && c.Embedding.RedisAddr == "" {
		return fmt.Errorf("embedding.redis_addr must be set for the redis cache")
	}
	if err := oneOf("pubsub.backend", c.PubSub.Backend, "none", "memory", "pubsub"); err != nil {
		return err
	}
	if c.PubSub.Backend == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set for the pubsub backend")
	}
	if err := oneOf("scraper.mode", c.Scraper.Mode, "colly", "headless", "auto"); err != nil {
		return err
	}
	if c.Scraper.Mode != "colly" && c.Scraper.Headless.MaxParallel <= 0 {
		return fmt.Errorf("scraper.headless.max_parallel must be > 0 when headless rendering is enabled")
	}
	if c.Pattern.Threshold < 0 || c.Pattern.Threshold > 1 {
		return fmt.Errorf("pattern.threshold must be in [0,1]")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
