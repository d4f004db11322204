// Package server builds the archiver's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/url-archiver/internal/api"
	"github.com/JakeFAU/url-archiver/internal/archive"
	"github.com/JakeFAU/url-archiver/internal/article"
	"github.com/JakeFAU/url-archiver/internal/clock/system"
	"github.com/JakeFAU/url-archiver/internal/config"
	"github.com/JakeFAU/url-archiver/internal/contentstore"
	"github.com/JakeFAU/url-archiver/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/url-archiver/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/url-archiver/internal/fetcher/headless"
	"github.com/JakeFAU/url-archiver/internal/fetcher/httpfetch"
	"github.com/JakeFAU/url-archiver/internal/headless/detector"
	"github.com/JakeFAU/url-archiver/internal/id/uuid"
	"github.com/JakeFAU/url-archiver/internal/logging"
	"github.com/JakeFAU/url-archiver/internal/metrics"
	"github.com/JakeFAU/url-archiver/internal/pipeline"
	"github.com/JakeFAU/url-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/url-archiver/internal/policy/video"
	memorypublisher "github.com/JakeFAU/url-archiver/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/url-archiver/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/url-archiver/internal/queue/memory"
	queueredis "github.com/JakeFAU/url-archiver/internal/queue/redis"
	"github.com/JakeFAU/url-archiver/internal/retry"
	gcsstorage "github.com/JakeFAU/url-archiver/internal/storage/gcs"
	"github.com/JakeFAU/url-archiver/internal/storage/local"
	memorystorage "github.com/JakeFAU/url-archiver/internal/storage/memory"
	pgstore "github.com/JakeFAU/url-archiver/internal/storage/postgres"
	"github.com/JakeFAU/url-archiver/internal/telemetry"
	"github.com/JakeFAU/url-archiver/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     archive.Clock
	root      *local.Root
	catalog   archive.Catalog
	queue     archive.Queue
	processor *pipeline.Processor
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pgStore         *pgstore.Store
	renderer        *headlessfetcher.Renderer
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	telemetry       *telemetry.Providers
}

// Build creates the application's dependencies. Partially built
// infrastructure is released when a later step fails.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		app.closeInfrastructure(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{ServiceName: a.cfg.Tracing.ServiceName})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}

	a.root, err = local.New(local.Config{BaseDir: a.cfg.Storage.DataDir})
	if err != nil {
		return fmt.Errorf("data root init failed: %w", err)
	}
	a.logger.Info("data root ready", zap.String("path", a.root.Base()))

	if err := a.setupCatalog(ctx); err != nil {
		return err
	}
	mirror, err := a.setupMirror(ctx)
	if err != nil {
		return err
	}
	if err := a.setupQueue(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupPipeline(mirror); err != nil {
		return err
	}

	policy := retry.NewPolicy(a.cfg.Retry.Delays())
	workerCfg := worker.Config{Topic: a.cfg.PubSub.TopicName}
	a.logger.Info("worker config",
		zap.Int("concurrency", a.cfg.Worker.Concurrency),
		zap.Int("max_retries", policy.MaxRetries()),
		zap.String("topic", workerCfg.Topic),
	)
	runners := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		runners = append(runners, worker.New(
			a.queue,
			a.processor,
			policy,
			publisher,
			a.clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, a.clock, runners...)

	a.apiServer = api.NewServer(api.Deps{
		Catalog:   a.catalog,
		Submitter: a.dispatch,
		Files:     a.root,
		Video:     video.NewGate(a.cfg.Policy.VideoAllowlist, nil, nil),
		Clock:     a.clock,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupCatalog(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no db.dsn configured, using in-memory catalog")
		a.catalog = memorystorage.NewCatalog()
		return nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("catalog init failed: %w", err)
	}
	a.pgStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("catalog schema failed: %w", err)
	}
	a.catalog = store
	a.logger.Info("postgres catalog initialized")
	return nil
}

func (a *App) setupMirror(ctx context.Context) (archive.BlobStore, error) {
	switch a.cfg.Storage.Mirror {
	case config.MirrorGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		mirror, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		a.logger.Info("mirroring files to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return mirror, nil
	case config.MirrorMemory:
		a.logger.Info("mirroring files in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupQueue(ctx context.Context) error {
	if a.cfg.Queue.Backend == config.QueueRedis {
		q, err := queueredis.New(ctx, queueredis.Config{URL: a.cfg.Queue.RedisURL, Name: a.cfg.Queue.Name})
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.queue = q
		a.logger.Info("using redis queue", zap.String("name", a.cfg.Queue.Name))
		return nil
	}
	a.queue = queuememory.NewQueue(a.cfg.Queue.Depth)
	a.logger.Info("using in-memory queue", zap.Int("depth", a.cfg.Queue.Depth))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupPipeline(mirror archive.BlobStore) error {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.HTTP.DomainRPS,
		DefaultBurst: a.cfg.HTTP.DomainBurst,
	})
	fetcher := httpfetch.New(httpfetch.Config{
		UserAgent:      a.cfg.HTTP.UserAgent,
		ConnectTimeout: a.cfg.HTTP.ConnectTimeout(),
		ReadTimeout:    a.cfg.HTTP.ReadTimeout(),
		Limiter:        limiter,
	})
	prober := collyfetcher.New(collyfetcher.Config{
		UserAgent:      a.cfg.HTTP.UserAgent,
		ConnectTimeout: a.cfg.HTTP.ConnectTimeout(),
		Timeout:        a.cfg.HTTP.ReadTimeout(),
		Limiter:        limiter,
	})

	storeOpts := []contentstore.Option{contentstore.WithLogger(a.logger.Named("contentstore"))}
	if mirror != nil {
		storeOpts = append(storeOpts, contentstore.WithMirror(mirror))
	}
	files := contentstore.New(a.root, a.catalog, fetcher, uuid.New(), a.clock, storeOpts...)

	articleOpts := []article.Option{article.WithLogger(a.logger.Named("article"))}
	if a.cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout(),
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed, continuing without rendering", zap.Error(err))
		} else {
			a.renderer = renderer
			articleOpts = append(articleOpts, article.WithRenderer(renderer, detector.NewHeuristic(a.cfg.Headless.PromotionThresh)))
			a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	a.processor = pipeline.New(pipeline.Deps{
		Items:    a.catalog,
		Fetcher:  fetcher,
		Files:    files,
		Articles: article.New(files, prober, articleOpts...),
		Videos:   video.NewGate(a.cfg.Policy.VideoAllowlist, files, a.logger.Named("video")),
		Clock:    a.clock,
		Logger:   a.logger.Named("pipeline"),
	}, a.cfg.HTTP.MaxHTMLBytes)
	return nil
}

// Serve runs the HTTP API and the workers until ctx ends or a signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := a.startDispatcher(ctx)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-dispatchDone
	return a.Close(shutdownCtx)
}

// RunWorkers runs only the worker pool until ctx ends or a signal arrives.
func (a *App) RunWorkers(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-a.startDispatcher(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Close(shutdownCtx)
}

// ProcessItem runs the pipeline once for itemID, without retries.
func (a *App) ProcessItem(ctx context.Context, itemID int64) pipeline.Outcome {
	return a.processor.Process(ctx, itemID)
}

func (a *App) startDispatcher(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
		a.dispatch.Run(ctx)
		a.logger.Info("dispatcher stopped")
	}()
	return done
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
		a.telemetry = nil
	}
}

func (a *App) closeObservability(_ context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
