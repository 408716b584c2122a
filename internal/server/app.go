// Package server wires configuration into the running application: scraper,
// stores, job pipeline, worker pool, HTTP API and Telegram bot.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/divar-listing-bot/internal/api"
	"github.com/JakeFAU/divar-listing-bot/internal/bot"
	"github.com/JakeFAU/divar-listing-bot/internal/clock"
	"github.com/JakeFAU/divar-listing-bot/internal/config"
	"github.com/JakeFAU/divar-listing-bot/internal/dispatcher"
	"github.com/JakeFAU/divar-listing-bot/internal/id"
	"github.com/JakeFAU/divar-listing-bot/internal/listing"
	"github.com/JakeFAU/divar-listing-bot/internal/metrics"
	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
	"github.com/JakeFAU/divar-listing-bot/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/divar-listing-bot/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/divar-listing-bot/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/divar-listing-bot/internal/queue/memory"
	"github.com/JakeFAU/divar-listing-bot/internal/scraper/headless"
	"github.com/JakeFAU/divar-listing-bot/internal/scraper/static"
	gcsstorage "github.com/JakeFAU/divar-listing-bot/internal/storage/gcs"
	localstorage "github.com/JakeFAU/divar-listing-bot/internal/storage/local"
	memoryStorage "github.com/JakeFAU/divar-listing-bot/internal/storage/memory"
	pgstore "github.com/JakeFAU/divar-listing-bot/internal/storage/postgres"
	s3storage "github.com/JakeFAU/divar-listing-bot/internal/storage/s3"
	"github.com/JakeFAU/divar-listing-bot/internal/telemetry"
	"github.com/JakeFAU/divar-listing-bot/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Options selects which surfaces Run starts.
type Options struct {
	HTTP bool
	Bot  bool
	// BotAPI overrides the Telegram client; nil connects with the configured token.
	BotAPI bot.API
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	runner    *pipeline.Runner
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
	bot       *bot.Bot

	scraper      listing.Scraper
	closeScraper func()
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	storage      *storage.Client
	jobStore     *pgstore.JobStore
	tracer       *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Bot && opts.BotAPI == nil {
		if err := cfg.ValidateBot(); err != nil {
			return nil, err
		}
	}
	metrics.Init()

	app = &App{cfg: cfg, opts: opts, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.String("mode", cfg.Scraper.Mode),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("http", opts.HTTP),
		zap.Bool("bot", opts.Bot),
	)

	if cfg.Telemetry.Tracing {
		app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		logger.Info("tracing enabled", zap.Float64("sample_ratio", cfg.Telemetry.SampleRatio))
	}

	app.scraper, app.closeScraper, err = NewScraper(cfg, logger)
	if err != nil {
		return nil, err
	}

	jobStore, err := setupJobStore(ctx, app)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.runner, err = pipeline.NewRunner(pipeline.Deps{
		Scraper:   app.scraper,
		Jobs:      jobStore,
		Blobs:     blobStore,
		Publisher: publisher,
		Clock:     clock.System{},
		IDs:       id.UUID{},
	}, pipeline.Config{
		Mode:          cfg.Scraper.Mode,
		OutlierFactor: cfg.Scraper.OutlierFactor,
		BlobPrefix:    cfg.Storage.Prefix,
		Topic:         cfg.PubSub.TopicName,
	}, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	if opts.HTTP {
		setupHTTP(app, jobStore, blobStore)
	}
	if opts.Bot {
		if err := setupBot(app); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Runner returns the job pipeline.
func (a *App) Runner() *pipeline.Runner {
	return a.runner
}

// Handler returns the HTTP handler, or nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Run starts the enabled surfaces and blocks until ctx is canceled or the HTTP
// listener fails. Shutdown is bounded by shutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	var runErr error
	var errOnce sync.Once
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		stop()
	}

	var srv *http.Server
	if a.apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
			a.dispatch.Run(ctx)
		}()

		srv = &http.Server{
			Addr:              a.cfg.Addr(),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				fail(fmt.Errorf("http server: %w", err))
			}
		}()
	}

	if a.bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.bot.Run(ctx); err != nil {
				a.logger.Error("telegram bot stopped", zap.Error(err))
				fail(fmt.Errorf("telegram bot: %w", err))
			}
		}()
	}

	a.logger.Info("application started")
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("shutdown timed out waiting for workers")
	}

	a.Close()
	return runErr
}

// Close releases infrastructure clients.
func (a *App) Close() {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.closeScraper != nil {
		a.closeScraper()
		a.closeScraper = nil
	}
	if a.publisher != nil {
		a.publisher.Stop()
		a.publisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.jobStore != nil {
		a.jobStore.Close()
		a.jobStore = nil
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}

// NewScraper builds the scraper selected by scraper.mode. The returned func
// releases browser resources.
func NewScraper(cfg config.Config, logger *zap.Logger) (listing.Scraper, func(), error) {
	limiter := ratelimit.New(ratelimit.Config{
		QPS:   cfg.Scraper.DomainQPS,
		Burst: cfg.Scraper.DomainBurst,
	})
	switch cfg.Scraper.Mode {
	case config.ModeStatic:
		s, err := static.New(static.Config{
			BaseURL:   cfg.Scraper.BaseURL,
			UserAgent: cfg.Scraper.UserAgent,
			Timeout:   time.Duration(cfg.Scraper.HTTPTimeoutSeconds) * time.Second,
		}, limiter, logger.Named("static"))
		if err != nil {
			return nil, nil, fmt.Errorf("static scraper init failed: %w", err)
		}
		logger.Info("using static scraper", zap.String("user_agent", cfg.Scraper.UserAgent))
		return s, func() {}, nil
	default:
		b := cfg.Browser
		s, err := headless.New(headless.Config{
			BaseURL:          cfg.Scraper.BaseURL,
			Headless:         b.Headless,
			ExecPath:         b.ExecPath,
			NoSandbox:        b.NoSandbox,
			UserAgent:        cfg.Scraper.UserAgent,
			ViewportWidth:    b.ViewportWidth,
			ViewportHeight:   b.ViewportHeight,
			Locale:           b.Locale,
			MaxParallel:      b.MaxParallel,
			MaxDuration:      b.MaxDuration(),
			StallRounds:      b.StallRounds,
			NetworkIdle:      b.NetworkIdle(),
			Settle:           b.Settle(),
			FirstCardTimeout: b.FirstCardTimeout(),
			ScrollTimeout:    b.ScrollTimeout(),
		}, limiter, logger.Named("headless"))
		if err != nil {
			return nil, nil, fmt.Errorf("headless scraper init failed: %w", err)
		}
		logger.Info("using headless scraper",
			zap.Bool("headless", b.Headless),
			zap.Int("max_parallel", b.MaxParallel),
			zap.Duration("max_duration", b.MaxDuration()),
		)
		return s, s.Close, nil
	}
}

func setupJobStore(ctx context.Context, app *App) (pipeline.JobStore, error) {
	db := app.cfg.Database
	if db.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory job store")
		return memoryStorage.NewJobStore(), nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.Config{
		DSN:             db.DSN,
		JobsTable:       db.JobsTable,
		ListingsTable:   db.ListingsTable,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	app.jobStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("job store schema failed: %w", err)
	}
	app.logger.Info("postgres job store initialized",
		zap.String("jobs_table", db.JobsTable),
		zap.String("listings_table", db.ListingsTable),
	)
	return store, nil
}

func setupStorage(ctx context.Context, app *App) (pipeline.BlobStore, error) {
	st := app.cfg.Storage
	switch st.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: st.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", st.GCS.Bucket))
		return blobs, nil
	case config.BackendS3:
		s3Cfg := s3storage.Config{
			Bucket:       st.S3.Bucket,
			Region:       st.S3.Region,
			Endpoint:     st.S3.Endpoint,
			UsePathStyle: st.S3.UsePathStyle,
		}
		client, err := s3storage.NewClient(ctx, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		blobs, err := s3storage.New(client, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		app.logger.Info("using S3 storage backend",
			zap.String("bucket", st.S3.Bucket),
			zap.String("endpoint", st.S3.Endpoint),
		)
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: st.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", st.Local.BaseDir))
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (pipeline.Publisher, error) {
	ps := app.cfg.PubSub
	if ps.TopicName == "" || ps.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.publisher, err = gcppublisher.NewFromClient(client, ps.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return app.publisher, nil
}

func setupHTTP(app *App, jobs pipeline.JobStore, blobs pipeline.BlobStore) {
	cfg := app.cfg
	app.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)

	workerCfg := worker.Config{JobTimeout: cfg.JobTimeout()}
	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			jobs,
			app.runner,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	app.dispatch = dispatcher.New(app.queue, workers, app.runner, jobs, app.logger.Named("dispatcher"))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	var ready func(context.Context) error
	if app.jobStore != nil {
		ready = app.jobStore.Ping
	}
	// The runner's registry covers bot, CLI and queued jobs alike.
	app.apiServer = api.NewServer(jobs, blobs, app.dispatch, app.runner.Cancels(), api.Options{
		APIKey:         apiKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		Ready:          ready,
	}, app.logger.Named("api"))
}

func setupBot(app *App) error {
	botAPI := app.opts.BotAPI
	if botAPI == nil {
		tg, err := bot.NewAPI(app.cfg.Telegram.Token, app.cfg.Telegram.Debug, app.logger)
		if err != nil {
			return err
		}
		botAPI = tg
	}
	b, err := bot.New(botAPI, app.runner, bot.Config{
		PollTimeout:   time.Duration(app.cfg.Telegram.PollTimeoutSeconds) * time.Second,
		MaxConcurrent: app.cfg.Telegram.MaxConcurrent,
	}, app.logger.Named("bot"))
	if err != nil {
		return fmt.Errorf("telegram bot init failed: %w", err)
	}
	app.bot = b
	return nil
}
