// Package app builds the long-lived services from configuration and runs
// them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-capture/internal/api"
	"github.com/JakeFAU/product-capture/internal/articles"
	"github.com/JakeFAU/product-capture/internal/browser"
	"github.com/JakeFAU/product-capture/internal/cache"
	cachememory "github.com/JakeFAU/product-capture/internal/cache/memory"
	cacheredis "github.com/JakeFAU/product-capture/internal/cache/redis"
	"github.com/JakeFAU/product-capture/internal/clock/system"
	"github.com/JakeFAU/product-capture/internal/config"
	"github.com/JakeFAU/product-capture/internal/extract/markup"
	"github.com/JakeFAU/product-capture/internal/extract/ocr"
	"github.com/JakeFAU/product-capture/internal/hash/sha256"
	"github.com/JakeFAU/product-capture/internal/id/uuid"
	"github.com/JakeFAU/product-capture/internal/metrics"
	"github.com/JakeFAU/product-capture/internal/pipeline"
	"github.com/JakeFAU/product-capture/internal/pool"
	"github.com/JakeFAU/product-capture/internal/probe"
	"github.com/JakeFAU/product-capture/internal/product"
	"github.com/JakeFAU/product-capture/internal/progress"
	"github.com/JakeFAU/product-capture/internal/progress/sinks"
	"github.com/JakeFAU/product-capture/internal/queue"
	queuememory "github.com/JakeFAU/product-capture/internal/queue/memory"
	"github.com/JakeFAU/product-capture/internal/ratelimit"
	"github.com/JakeFAU/product-capture/internal/storage/gcs"
	"github.com/JakeFAU/product-capture/internal/storage/local"
	storagememory "github.com/JakeFAU/product-capture/internal/storage/memory"
	"github.com/JakeFAU/product-capture/internal/storage/postgres"
)

// Options override collaborators that need real infrastructure. Zero values
// use the production implementations.
type Options struct {
	// Sessions replaces the chromedp browser factory.
	Sessions pool.Factory
	// Capturer replaces the chromedp page capturer.
	Capturer pipeline.Capturer
	// OCREngine replaces the HTTP OCR client.
	OCREngine ocr.Engine
	// Registry collects metrics; a fresh registry is used when nil.
	Registry *prometheus.Registry
	// Listener serves HTTP instead of listening on server.port.
	Listener net.Listener
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	pool      *pool.Pool
	ready     *queuememory.Queue
	scheduler *queue.Scheduler
	hub       *progress.Hub
	articles  *articles.Index
	server    *http.Server
	listener  net.Listener
	closers   []func() error
}

// New creates and initializes every service from cfg. It fails fast when a
// configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, listener: opts.Listener}
	defer func() {
		if err != nil {
			if a.hub != nil {
				_ = a.hub.Close(context.WithoutCancel(ctx))
			}
			_ = a.closeAll()
		}
	}()

	clock := system.New()
	a.metrics = metrics.New(opts.Registry)

	blobs, blobCheck, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := a.buildJobStore(ctx)
	if err != nil {
		return nil, err
	}
	resultCache, cacheCheck, err := a.buildCache(clock)
	if err != nil {
		return nil, err
	}

	hubSinks, events, err := a.buildSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   cfg.Progress.Batch.MaxWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger.Named("progress"),
	}, hubSinks...)

	sessions := opts.Sessions
	if sessions == nil {
		sessions = browser.NewFactory(a.browserConfig())
	}
	a.pool, err = pool.New(ctx, pool.Config{
		Min:            cfg.Pool.Min,
		Max:            cfg.Pool.Max,
		RecycleAfter:   cfg.Pool.RecycleAfter,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		RetryDelay:     cfg.Pool.RetryDelay,
	}, sessions, logger.Named("pool"), a.metrics)
	if err != nil {
		return nil, fmt.Errorf("init browser pool: %w", err)
	}
	a.closers = append(a.closers, a.pool.Close)

	runner, err := a.buildPipeline(blobs, opts)
	if err != nil {
		return nil, err
	}

	a.ready = queuememory.NewQueue()
	deps := queue.Deps{
		Store:    jobs,
		Ready:    a.ready,
		Runner:   runner,
		Notifier: a.hub,
		IDs:      uuid.New(),
		Clock:    clock,
		Limiter: ratelimit.New(ratelimit.Config{
			Count:  cfg.RateLimit.Count,
			Window: cfg.RateLimit.Window,
		}, a.metrics.ObserveRateLimitDelay),
		Observer: a.metrics,
	}
	if resultCache != nil {
		deps.Cache = resultCache
		deps.Fingerprints = cache.NewFingerprinter(sha256.New())
		if cfg.Cache.ContentProbe {
			deps.Probe = probe.New(probe.Config{
				UserAgent: cfg.Capture.UserAgent,
				Timeout:   cfg.Capture.Timeout,
			})
		}
	}
	a.scheduler, err = queue.New(queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		Retry: product.NewRetryPolicy(
			cfg.Queue.MaxAttempts,
			cfg.Queue.Backoff.Base,
			cfg.Queue.Backoff.Multiplier,
			cfg.Queue.Backoff.Strategy,
			cfg.Queue.Backoff.MaxDelay,
		),
	}, deps, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	checks := []api.ReadyCheck{{Name: "browser_pool", Check: a.checkPool}}
	if blobCheck != nil {
		checks = append(checks, *blobCheck)
	}
	if cacheCheck != nil {
		checks = append(checks, *cacheCheck)
	}
	srv := api.NewServer(api.Deps{
		Jobs:       a.scheduler,
		Articles:   a.articles,
		Pool:       a.pool,
		Events:     events,
		Metrics:    a.metrics.Handler(),
		Middleware: []func(http.Handler) http.Handler{a.metrics.Middleware},
		Ready:      checks,

		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Int("concurrency", cfg.Queue.Concurrency),
	)
	return a, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Scheduler exposes the job scheduler.
func (a *App) Scheduler() *queue.Scheduler {
	return a.scheduler
}

// Run recovers unfinished jobs, then serves HTTP and runs the workers until
// ctx ends.
func (a *App) Run(ctx context.Context) error {
	recovered, err := a.scheduler.Recover(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.logger.Info("resuming jobs from previous run", zap.Int("count", recovered))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", a.addr()))
		var serveErr error
		if a.listener != nil {
			serveErr = a.server.Serve(a.listener)
		} else {
			serveErr = a.server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", serveErr)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close flushes the progress hub and releases every backend.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.ready != nil {
		a.ready.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) buildBlobStore(ctx context.Context) (product.BlobStore, *api.ReadyCheck, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "", "memory":
		a.logger.Info("screenshots kept in memory")
		return storagememory.NewBlobStore(), nil, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local storage: %w", err)
		}
		a.logger.Info("using local screenshot storage", zap.String("dir", cfg.Local.BaseDir))
		return store, nil, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.logger.Info("using gcs screenshot storage", zap.String("bucket", cfg.Bucket))
		return store, &api.ReadyCheck{Name: "gcs", Check: store.CheckBucket}, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
}

func (a *App) buildJobStore(ctx context.Context) (product.JobStore, error) {
	cfg := a.cfg.DB
	if cfg.DSN == "" {
		a.logger.Info("jobs kept in memory; set db.dsn to persist them")
		return storagememory.NewJobStore(), nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.Config{
		DSN:             cfg.DSN,
		Table:           cfg.Table,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres job store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure job schema: %w", err)
	}
	a.logger.Info("jobs persisted to postgres", zap.String("table", cfg.Table))
	return store, nil
}

func (a *App) buildCache(clock product.Clock) (product.Cache, *api.ReadyCheck, error) {
	cfg := a.cfg.Cache
	if !cfg.Enabled {
		return nil, nil, nil
	}
	switch cfg.Backend {
	case "", "memory":
		c := cachememory.New(cachememory.Config{TTL: cfg.TTL, MaxEntries: cfg.MaxEntries}, clock)
		a.closers = append(a.closers, c.Close)
		return c, nil, nil
	case "redis":
		c := cacheredis.New(cacheredis.Config{
			Addr:      a.cfg.Redis.Addr,
			Password:  a.cfg.Redis.Password,
			DB:        a.cfg.Redis.DB,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		}, clock)
		a.closers = append(a.closers, c.Close)
		return c, &api.ReadyCheck{Name: "redis", Check: c.Ping}, nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
}

// buildSinks returns the hub sinks and, when enabled, the websocket handler.
func (a *App) buildSinks(ctx context.Context) ([]progress.Sink, http.Handler, error) {
	cfg := a.cfg
	a.articles = articles.NewIndex()
	out := []progress.Sink{a.articles}

	promSink, err := sinks.NewPrometheusSink(a.metrics.Registry())
	if err != nil {
		return nil, nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out = append(out, promSink)

	if cfg.Progress.LogEnabled {
		out = append(out, sinks.NewLogSink(a.logger.Named("events")))
	}

	var events http.Handler
	if cfg.Progress.WebSocket {
		ws := sinks.NewWebSocketSink(a.logger.Named("websocket"))
		out = append(out, ws)
		events = ws
	}

	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		topic := client.Topic(cfg.PubSub.TopicName)
		out = append(out, sinks.NewPubSubSink(topic, a.logger.Named("pubsub")))
		a.logger.Info("publishing job events", zap.String("topic", cfg.PubSub.TopicName))
	}
	return out, events, nil
}

func (a *App) buildPipeline(blobs product.BlobStore, opts Options) (*pipeline.Pipeline, error) {
	cfg := a.cfg
	mode, err := pipeline.ParseOCRMode(cfg.Extract.OCRMode)
	if err != nil {
		return nil, fmt.Errorf("extract.ocr_mode: %w", err)
	}
	capturer := opts.Capturer
	if capturer == nil {
		capturer = browser.NewCapturer(a.browserConfig(), a.logger.Named("capture"))
	}
	var imageExtractor pipeline.ImageExtractor
	if mode != pipeline.OCRNever {
		engine := opts.OCREngine
		if engine == nil {
			engine = ocr.NewHTTPEngine(cfg.OCR.Endpoint, cfg.OCR.Timeout, nil)
		}
		imageExtractor = ocr.NewExtractor(engine, a.logger.Named("ocr"))
	}
	return pipeline.New(pipeline.Config{
		OCRMode:             mode,
		AcceptanceThreshold: cfg.Extract.AcceptanceThreshold,
		ExtractTimeout:      cfg.Extract.Timeout,
	}, pipeline.Deps{
		Pool:     a.pool,
		Capturer: capturer,
		Markup:   markup.New(a.logger.Named("markup")),
		OCR:      imageExtractor,
		Blobs:    blobs,
	}, a.logger.Named("pipeline")), nil
}

func (a *App) browserConfig() browser.Config {
	c := a.cfg.Capture
	return browser.Config{
		Headless:          c.Headless,
		ExecPath:          c.ExecPath,
		UserAgent:         c.UserAgent,
		WindowWidth:       c.WindowWidth,
		WindowHeight:      c.WindowHeight,
		NavigationTimeout: c.Timeout,
		PostLoadWait:      c.PostLoadWait,
		ScreenshotQuality: c.ScreenshotQuality,
	}
}

func (a *App) checkPool(context.Context) error {
	stats := a.pool.Stats()
	if a.cfg.Pool.Min > 0 && stats.Total == 0 {
		return errors.New("no browser sessions")
	}
	return nil
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
