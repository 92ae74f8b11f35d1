// Package app builds the engine's long-lived services from configuration and
// owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/api"
	"github.com/JakeFAU/scraper-intel/internal/archive"
	"github.com/JakeFAU/scraper-intel/internal/cache"
	"github.com/JakeFAU/scraper-intel/internal/clock/system"
	"github.com/JakeFAU/scraper-intel/internal/confidence"
	"github.com/JakeFAU/scraper-intel/internal/config"
	"github.com/JakeFAU/scraper-intel/internal/distill"
	"github.com/JakeFAU/scraper-intel/internal/embedding"
	"github.com/JakeFAU/scraper-intel/internal/fetcher/auto"
	collyfetcher "github.com/JakeFAU/scraper-intel/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/scraper-intel/internal/fetcher/headless"
	"github.com/JakeFAU/scraper-intel/internal/hash/sha256"
	"github.com/JakeFAU/scraper-intel/internal/id/uuid"
	"github.com/JakeFAU/scraper-intel/internal/intel"
	"github.com/JakeFAU/scraper-intel/internal/janitor"
	"github.com/JakeFAU/scraper-intel/internal/logging"
	"github.com/JakeFAU/scraper-intel/internal/metrics"
	"github.com/JakeFAU/scraper-intel/internal/pattern"
	"github.com/JakeFAU/scraper-intel/internal/policy/ratelimit"
	"github.com/JakeFAU/scraper-intel/internal/progress"
	progresssinks "github.com/JakeFAU/scraper-intel/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/scraper-intel/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scraper-intel/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/scraper-intel/internal/queue/memory"
	"github.com/JakeFAU/scraper-intel/internal/retry"
	"github.com/JakeFAU/scraper-intel/internal/runner"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
	"github.com/JakeFAU/scraper-intel/internal/signals"
	"github.com/JakeFAU/scraper-intel/internal/storage"
	gcsstorage "github.com/JakeFAU/scraper-intel/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scraper-intel/internal/storage/local"
	memorystorage "github.com/JakeFAU/scraper-intel/internal/storage/memory"
	pgstore "github.com/JakeFAU/scraper-intel/internal/storage/postgres"
	"github.com/JakeFAU/scraper-intel/internal/training"
	"github.com/JakeFAU/scraper-intel/internal/versioning"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    scrape.Clock
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	docs        storage.DocumentStore
	blobs       storage.BlobStore
	gcsClient   *gcs.Client
	redisClient redis.UniversalClient
	pubsub      *gcppublisher.Publisher
	publisher   signals.Publisher
	headless    *headlessfetcher.Fetcher

	progressHub *progress.Hub
	tracker     *progress.Tracker
	cache       *cache.Cache
	limiter     *ratelimit.Limiter
	embedCache  *embedding.MemoryCache
	embeddings  *embedding.Service

	intel      *intel.Repository
	training   *training.Repository
	versioning *versioning.Service
	signals    *signals.Repository
	temporary  *archive.Archive
	discovery  *archive.Archive
	runner     *runner.Runner
	janitor    *janitor.Janitor
	apiServer  *api.Server
}

// New creates the application's dependencies. Nothing is started; Run
// starts the runner, janitor and HTTP server.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logging.Or(logger),
		clock:    system.New(),
		registry: prometheus.NewRegistry(),
	}
	a.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("blobs", cfg.Storage.Blob.Backend),
		zap.String("scraper", cfg.Scraper.Mode),
		zap.String("publisher", cfg.PubSub.Backend),
	)

	steps := []func(context.Context) error{
		a.setupMetrics,
		a.setupStorage,
		a.setupBlobs,
		a.setupPublisher,
		a.setupProgress,
		a.setupRepositories,
		a.setupEmbeddings,
		a.setupRunner,
		a.setupJanitor,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.closeInfrastructure(ctx)
			return nil, err
		}
	}
	if err := a.SeedIntel(ctx, cfg.Intel.Files...); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}

	a.apiServer = api.NewServer(a.runner, a.metrics, a.ready, api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxWait:        cfg.Server.MaxWait,
		APIKey:         cfg.Server.APIKey,
	}, a.logger)
	return a, nil
}

func (a *App) setupMetrics(context.Context) error {
	m, err := metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}
	a.metrics = m
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		pg := a.cfg.Storage.Postgres
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.docs = store
		a.logger.Info("using postgres document store", zap.String("table", pg.Table))
	default:
		a.docs = memorystorage.NewDocStore()
		a.logger.Info("using in-memory document store")
	}
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	blob := a.cfg.Storage.Blob
	switch blob.Backend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: blob.GCSBucket, Prefix: blob.GCSPrefix})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using GCS blob store", zap.String("bucket", blob.GCSBucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: blob.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local blob store", zap.String("path", blob.LocalDir))
	case "memory":
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory blob store")
	default:
		a.logger.Info("blob offload disabled; raw payloads stay inline")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.PubSub.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub, err := gcppublisher.New(client, a.logger)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsub = pub
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("signal digests disabled")
	}
	return nil
}

func (a *App) setupProgress(context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.progressHub = progress.NewHub(progress.HubConfig{Logger: a.logger.Named("progress_hub")},
		promSink,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
	)
	a.tracker = progress.NewTracker(a.cfg.Runner.HistoryLimit, a.progressHub, a.logger)
	return nil
}

func (a *App) setupRepositories(context.Context) error {
	hasher := sha256.New()
	a.intel = intel.NewRepository(a.docs, a.clock, a.logger)
	a.signals = signals.NewRepository(a.docs, a.logger)

	var err error
	a.training, err = training.NewRepository(a.docs, training.Options{
		Clock:     a.clock,
		IDs:       uuid.NewWithPrefix("pat"),
		Estimator: confidence.New(a.cfg.Confidence, a.clock),
		Observer:  a.metrics,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("training repository init failed: %w", err)
	}
	a.versioning = versioning.New(a.training, a.clock, a.logger)

	opts := archive.Options{Blobs: a.blobs, Clock: a.clock, Logger: a.logger, Observer: a.metrics}
	temporary := archive.TemporaryPolicy()
	temporary.TTL = a.cfg.Archive.TemporaryTTL
	temporary.OffloadBytes = a.cfg.Archive.OffloadBytes
	if a.temporary, err = archive.New(temporary, a.docs, hasher, opts); err != nil {
		return fmt.Errorf("temporary archive init failed: %w", err)
	}
	discovery := archive.DiscoveryPolicy()
	discovery.TTL = a.cfg.Archive.DiscoveryTTL
	discovery.OffloadBytes = a.cfg.Archive.OffloadBytes
	if a.discovery, err = archive.New(discovery, a.docs, hasher, opts); err != nil {
		return fmt.Errorf("discovery archive init failed: %w", err)
	}
	return nil
}

func (a *App) setupEmbeddings(context.Context) error {
	ec := a.cfg.Embedding
	var provider embedding.Provider
	switch ec.Provider {
	case "http":
		p, err := embedding.NewHTTPProvider(embedding.HTTPConfig{
			Endpoint:          ec.Endpoint,
			APIKey:            ec.APIKey,
			Model:             ec.Model,
			Timeout:           ec.Timeout,
			RequestsPerSecond: ec.RequestsPerSecond,
			Burst:             ec.Burst,
		}, nil, a.logger)
		if err != nil {
			return fmt.Errorf("embedding provider init failed: %w", err)
		}
		provider = p
	default:
		provider = embedding.HashingProvider{Dimensions: ec.Dimensions}
	}

	var vecCache embedding.Cache
	switch ec.Cache {
	case "redis":
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     ec.RedisAddr,
			Password: ec.RedisPassword,
			DB:       ec.RedisDB,
		})
		vecCache = embedding.NewRedisCache(a.redisClient, ec.RedisPrefix)
		a.logger.Info("using redis embedding cache", zap.String("addr", ec.RedisAddr))
	case "memory":
		a.embedCache = embedding.NewMemoryCache(a.clock)
		vecCache = a.embedCache
	}

	model := ec.Model
	if ec.Provider != "http" {
		model = fmt.Sprintf("hashing-%d", ec.Dimensions)
	}
	svc, err := embedding.NewService(provider, vecCache, embedding.Config{
		Model:           model,
		BatchSize:       ec.BatchSize,
		CacheTTL:        ec.CacheTTL,
		CostPer1KTokens: ec.CostPer1KTokens,
	}, a.metrics, a.logger)
	if err != nil {
		return fmt.Errorf("embedding service init failed: %w", err)
	}
	a.embeddings = svc
	return nil
}

func (a *App) setupScraper() (scrape.Scraper, error) {
	sc := a.cfg.Scraper
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     sc.UserAgent,
		RespectRobots: sc.RespectRobots,
		Timeout:       sc.Timeout,
		MaxBodyBytes:  sc.MaxBodyBytes,
	}, a.logger)
	if sc.Mode == "colly" {
		a.logger.Info("using colly fetcher", zap.String("user_agent", sc.UserAgent))
		return probe, nil
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       sc.Headless.MaxParallel,
		UserAgent:         sc.UserAgent,
		NavigationTimeout: sc.Headless.NavigationTimeout,
		SettleDelay:       sc.Headless.SettleDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = headless
	if sc.Mode == "headless" {
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", sc.Headless.MaxParallel))
		return headless, nil
	}
	a.logger.Info("using auto fetcher",
		zap.Strings("headless_platforms", sc.HeadlessPlatforms),
		zap.Int("promotion_threshold", sc.PromotionThreshold),
	)
	return auto.New(probe, headless, auto.NewHeuristic(sc.PromotionThreshold), sc.HeadlessPlatforms, a.logger)
}

func (a *App) setupRunner(context.Context) error {
	scraper, err := a.setupScraper()
	if err != nil {
		return err
	}
	a.cache = cache.New(cache.Config{
		Capacity:     a.cfg.Cache.Capacity,
		DefaultTTL:   a.cfg.Cache.DefaultTTL,
		PlatformTTLs: a.cfg.Cache.PlatformTTLs,
	}, a.clock, a.logger, a.metrics)
	rl := a.cfg.RateLimit
	a.limiter = ratelimit.New(ratelimit.Config{
		MaxRequests:       rl.MaxRequests,
		Window:            rl.Window,
		MinDelay:          rl.MinDelay,
		PollInterval:      rl.PollInterval,
		MaxWaitIterations: rl.MaxWaitIterations,
		IdleTTL:           rl.IdleTTL,
	}, a.logger, a.metrics)

	var scorer runner.SignalScorer
	if a.cfg.Pattern.Enabled {
		matcher, err := pattern.NewMatcher(a.embeddings, a.cfg.Pattern.Threshold, a.metrics, a.logger)
		if err != nil {
			return fmt.Errorf("pattern matcher init failed: %w", err)
		}
		scorer, err = pattern.NewSignalScorer(matcher, a.training, confidence.New(a.cfg.Confidence, a.clock),
			a.training, a.cfg.Pattern.Threshold, a.logger)
		if err != nil {
			return fmt.Errorf("signal scorer init failed: %w", err)
		}
	}

	topic := ""
	if a.publisher != nil {
		topic = a.cfg.PubSub.Topic
	}
	rc := a.cfg.Retry
	a.runner, err = runner.New(runner.Deps{
		Queue:     queuemem.NewQueue(),
		Cache:     a.cache,
		Limiter:   a.limiter,
		Scraper:   scraper,
		Distiller: distill.New(a.logger),
		Intel:     a.intel,
		Archive:   a.temporary,
		Discovery: a.discovery,
		Signals:   a.signals,
		Scorer:    scorer,
		Publisher: a.publisher,
		Tracker:   a.tracker,
		Hasher:    sha256.New(),
		IDs:       uuid.NewWithPrefix("job"),
		Clock:     a.clock,
		Observer:  a.metrics,
	}, runner.Config{
		Workers:           a.cfg.Runner.Workers,
		DefaultTimeout:    a.cfg.Runner.DefaultTimeout,
		DefaultMaxRetries: a.cfg.Runner.DefaultMaxRetries,
		Retry: retry.Policy{
			BaseDelay:  rc.BaseDelay,
			Multiplier: rc.Multiplier,
			MaxDelay:   rc.MaxDelay,
			Jitter:     rc.Jitter,
		},
		ShutdownGrace:   a.cfg.Runner.ShutdownGrace,
		DefaultIndustry: a.cfg.Runner.DefaultIndustry,
		SignalTopic:     topic,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("runner init failed: %w", err)
	}
	return nil
}

func (a *App) setupJanitor(context.Context) error {
	jc := a.cfg.Janitor
	a.janitor = janitor.New(a.logger)
	tasks := []struct {
		name string
		spec string
		fn   janitor.Task
	}{
		{"archive-sweep", jc.ArchiveSweep, a.sweepArchives},
		{"cache-sweep", jc.CacheSweep, func(context.Context) error {
			a.logger.Debug("cache swept", zap.Int("expired", a.cache.Sweep()))
			return nil
		}},
		{"limiter-cleanup", jc.LimiterCleanup, func(context.Context) error {
			a.logger.Debug("limiter cleaned", zap.Int("dropped", a.limiter.Cleanup(a.clock.Now())))
			return nil
		}},
		{"embedding-sweep", jc.EmbeddingSweep, func(context.Context) error {
			if a.embedCache != nil {
				a.logger.Debug("embedding cache swept", zap.Int("expired", a.embedCache.Sweep()))
			}
			return nil
		}},
		{"job-prune", jc.JobPrune, func(context.Context) error {
			n := a.runner.Prune(a.clock.Now().Add(-a.cfg.Runner.PruneAfter))
			a.logger.Debug("finished jobs pruned", zap.Int("count", n))
			return nil
		}},
	}
	for _, t := range tasks {
		if t.spec == "" {
			continue
		}
		if err := a.janitor.Register(t.name, t.spec, jc.TaskTimeout, t.fn); err != nil {
			return fmt.Errorf("janitor init failed: %w", err)
		}
	}
	return nil
}

func (a *App) sweepArchives(ctx context.Context) error {
	var errs []error
	for _, arch := range a.Archives() {
		report, err := arch.Sweep(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", arch.Policy().Name, err))
			continue
		}
		a.logger.Info("archive swept",
			zap.String("policy", arch.Policy().Name),
			zap.Int("expired", report.Expired),
			zap.Int("flagged", report.Flagged),
		)
	}
	return errors.Join(errs...)
}

// SeedIntel loads research intelligence files into the store.
func (a *App) SeedIntel(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		defs, err := intel.LoadFile(path)
		if err != nil {
			return fmt.Errorf("seed intel: %w", err)
		}
		for _, ri := range defs {
			saved, err := a.intel.Put(ctx, ri)
			if err != nil {
				return fmt.Errorf("seed intel %s: %w", ri.Industry, err)
			}
			a.logger.Info("research intelligence loaded",
				zap.String("industry", saved.Industry),
				zap.Int("version", saved.Version),
				zap.Int("signals", len(saved.Signals)),
			)
		}
	}
	return nil
}

// ready probes the document store with a one-row query.
func (a *App) ready(ctx context.Context) error {
	_, err := a.docs.Query(ctx, intel.Collection, storage.Query{Limit: 1})
	return err
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config { return a.cfg }

// Runner returns the job runner.
func (a *App) Runner() *runner.Runner { return a.runner }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Archives returns the temporary and discovery archives.
func (a *App) Archives() []*archive.Archive { return []*archive.Archive{a.temporary, a.discovery} }

// Intel returns the research intelligence repository.
func (a *App) Intel() *intel.Repository { return a.intel }

// Training returns the training pattern repository.
func (a *App) Training() *training.Repository { return a.training }

// Versioning returns the training data version control service.
func (a *App) Versioning() *versioning.Service { return a.versioning }

// Janitor returns the maintenance scheduler.
func (a *App) Janitor() *janitor.Janitor { return a.janitor }

// Run starts the runner, janitor and HTTP server and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	if a.cfg.Janitor.Enabled {
		a.janitor.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.runner.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("runner shutdown incomplete", zap.Error(err))
	}
	if a.cfg.Janitor.Enabled {
		if err := a.janitor.Stop(shutdownCtx); err != nil {
			a.logger.Warn("janitor stop failed", zap.Error(err))
		}
	}
	return nil
}

// Close releases clients and pools. It is safe to call after Run.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.docs != nil {
		if err := a.docs.Close(); err != nil {
			a.logger.Warn("document store close failed", zap.Error(err))
		}
	}
}
