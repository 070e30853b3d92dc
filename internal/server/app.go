// Package server builds the application's dependencies and runs the engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/parjafrica/discovery-engine/internal/api"
	"github.com/parjafrica/discovery-engine/internal/clock/system"
	"github.com/parjafrica/discovery-engine/internal/config"
	"github.com/parjafrica/discovery-engine/internal/dedup"
	"github.com/parjafrica/discovery-engine/internal/discovery"
	"github.com/parjafrica/discovery-engine/internal/dispatcher"
	"github.com/parjafrica/discovery-engine/internal/extract"
	"github.com/parjafrica/discovery-engine/internal/fetcher"
	collyfetcher "github.com/parjafrica/discovery-engine/internal/fetcher/colly"
	headlessfetcher "github.com/parjafrica/discovery-engine/internal/fetcher/headless"
	"github.com/parjafrica/discovery-engine/internal/hash/sha256"
	"github.com/parjafrica/discovery-engine/internal/headless/detector"
	"github.com/parjafrica/discovery-engine/internal/id/uuid"
	"github.com/parjafrica/discovery-engine/internal/ledger"
	"github.com/parjafrica/discovery-engine/internal/logging"
	"github.com/parjafrica/discovery-engine/internal/metrics"
	"github.com/parjafrica/discovery-engine/internal/opportunity"
	"github.com/parjafrica/discovery-engine/internal/policy/ratelimit"
	"github.com/parjafrica/discovery-engine/internal/progress"
	progresssinks "github.com/parjafrica/discovery-engine/internal/progress/sinks"
	memorypublisher "github.com/parjafrica/discovery-engine/internal/publisher/memory"
	gcppublisher "github.com/parjafrica/discovery-engine/internal/publisher/pubsub"
	"github.com/parjafrica/discovery-engine/internal/registry"
	"github.com/parjafrica/discovery-engine/internal/scheduler"
	"github.com/parjafrica/discovery-engine/internal/scoring"
	"github.com/parjafrica/discovery-engine/internal/stats"
	"github.com/parjafrica/discovery-engine/internal/status"
	gcsstorage "github.com/parjafrica/discovery-engine/internal/storage/gcs"
	localstorage "github.com/parjafrica/discovery-engine/internal/storage/local"
	"github.com/parjafrica/discovery-engine/internal/storage/memory"
	pgstore "github.com/parjafrica/discovery-engine/internal/storage/postgres"
	sqlitestore "github.com/parjafrica/discovery-engine/internal/storage/sqlite"
	"github.com/parjafrica/discovery-engine/internal/store"
	"github.com/parjafrica/discovery-engine/internal/telemetry"
	"github.com/parjafrica/discovery-engine/internal/worker"
)

// Repositories groups the persistence backends.
type Repositories struct {
	Targets       store.TargetRepository
	Opportunities store.OpportunityRepository
	Bots          store.BotRepository
	Rewards       store.RewardRepository
	Stats         store.StatsRepository
}

// App contains the application's dependencies. Build wires the services
// every command needs; Run adds the crawl engine and the HTTP API.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  discovery.Clock
	ids    *uuid.Generator
	hasher *sha256.Hasher

	repos        Repositories
	registry     *registry.Registry
	scorer       *scoring.Scorer
	opportunity  *opportunity.Service
	stats        *stats.Aggregator
	ledger       *ledger.Ledger
	statusReport *status.Service

	db           database
	storage      *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	telemetry    *telemetry.Providers

	// engine, populated by Run
	progressHub *progress.Hub
	headless    *headlessfetcher.Fetcher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		hasher: sha256.New(),
	}
	logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Driver),
		zap.String("snapshots", cfg.Snapshots.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)

	app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ProjectID:      cfg.Telemetry.ProjectID,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	if err := app.setupDatabase(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}
	snapshots, err := app.setupSnapshots(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := app.setupServices(snapshots, publisher); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

// database is the lifecycle surface shared by the SQL backends.
type database interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

type sqlRepositories interface {
	database
	store.TargetRepository
	store.OpportunityRepository
	store.BotRepository
	store.RewardRepository
	store.StatsRepository
}

func (a *App) setupDatabase(ctx context.Context) error {
	var (
		db  sqlRepositories
		err error
	)
	switch a.cfg.Database.Driver {
	case config.BackendPostgres:
		db, err = pgstore.Open(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: a.cfg.Database.MaxConns,
		})
	case config.BackendSQLite:
		var path string
		if path, err = homedir.Expand(a.cfg.Database.DSN); err == nil {
			db, err = sqlitestore.Open(ctx, sqlitestore.Config{Path: path})
		}
	default:
		a.logger.Warn("using in-memory repositories; data is lost on exit")
		a.repos = Repositories{
			Targets:       memory.NewTargetStore(),
			Opportunities: memory.NewOpportunityStore(),
			Bots:          memory.NewBotStore(),
			Rewards:       memory.NewRewardStore(),
			Stats:         memory.NewStatsStore(),
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s init failed: %w", a.cfg.Database.Driver, err)
	}
	a.db = db
	if a.cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("%s migrate failed: %w", a.cfg.Database.Driver, err)
		}
	}
	a.repos = Repositories{Targets: db, Opportunities: db, Bots: db, Rewards: db, Stats: db}
	a.logger.Info("sql repositories initialized",
		zap.String("driver", a.cfg.Database.Driver),
		zap.Int32("max_conns", a.cfg.Database.MaxConns),
	)
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (discovery.SnapshotStore, error) {
	switch a.cfg.Snapshots.Backend {
	case config.BackendGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		s, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Snapshots.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs snapshot store init failed: %w", err)
		}
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Snapshots.Bucket))
		return s, nil
	case config.BackendLocal:
		s, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Snapshots.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local snapshot store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Snapshots.BaseDir))
		return s, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory snapshot store")
		return memory.NewSnapshotStore(), nil
	default:
		a.logger.Info("page snapshots disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (discovery.Publisher, error) {
	switch a.cfg.Publisher.Backend {
	case config.BackendPubSub:
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher, err = gcppublisher.New(a.pubsubClient, gcppublisher.Config{DefaultTopic: a.cfg.Publisher.Topic})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return a.publisher, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("opportunity notifications disabled")
		return nil, nil
	}
}

func (a *App) setupServices(snapshots discovery.SnapshotStore, publisher discovery.Publisher) error {
	var err error
	if a.registry, err = registry.New(a.repos.Targets, a.repos.Bots, a.clock, a.logger); err != nil {
		return fmt.Errorf("registry init failed: %w", err)
	}
	if a.scorer, err = scoring.New(scoring.Config{
		Threshold:       a.cfg.Verification.Threshold,
		FreshnessWindow: a.cfg.Verification.FreshnessWindow,
	}, a.clock); err != nil {
		return fmt.Errorf("scorer init failed: %w", err)
	}
	deps := opportunity.Deps{
		Repo:    a.repos.Opportunities,
		Targets: a.repos.Targets,
		Scorer:  a.scorer,
		IDs:     a.ids,
		Clock:   a.clock,
		Hasher:  a.hasher,
		Logger:  a.logger,
	}
	// Leave the interfaces nil rather than typed-nil when disabled.
	if snapshots != nil {
		deps.Snapshots = snapshots
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	if a.opportunity, err = opportunity.New(deps); err != nil {
		return fmt.Errorf("opportunity service init failed: %w", err)
	}
	if a.stats, err = stats.New(a.repos.Stats, a.clock, a.logger); err != nil {
		return fmt.Errorf("statistics init failed: %w", err)
	}
	if a.ledger, err = ledger.New(a.repos.Rewards, a.ids, a.clock, a.logger); err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	if a.statusReport, err = status.New(a.repos.Bots, a.repos.Rewards, a.repos.Opportunities, a.clock, a.logger); err != nil {
		return fmt.Errorf("status init failed: %w", err)
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the target registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Opportunities returns the opportunity service.
func (a *App) Opportunities() *opportunity.Service { return a.opportunity }

// LoadTargets seeds the registry from the configured targets file, if any.
func (a *App) LoadTargets(ctx context.Context) error {
	if a.cfg.TargetsFile == "" {
		return nil
	}
	n, err := a.registry.LoadFile(ctx, a.cfg.TargetsFile)
	if err != nil {
		return fmt.Errorf("load targets file: %w", err)
	}
	a.logger.Info("targets loaded", zap.String("file", a.cfg.TargetsFile), zap.Int("count", n))
	return nil
}

// Run starts the engine and the HTTP API and blocks until ctx is canceled or
// the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.LoadTargets(ctx); err != nil {
		return err
	}
	eng, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}

	apiServer, err := api.NewServer(api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, api.Deps{
		Status:        a.statusReport,
		Opportunities: a.opportunity,
		Targets:       a.registry,
		Controller:    eng.scheduler,
		Statistics:    a.stats,
		Ready:         a.ready,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}

	eng.pool.Start(ctx)
	schedDone := make(chan error, 1)
	go func() {
		schedDone <- eng.scheduler.Run(ctx, eng.pool)
	}()
	go eng.reverifier.Run(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	a.logger.Info("engine started", zap.Int("workers", eng.pool.Size()))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-schedDone:
		if runErr != nil {
			a.logger.Error("scheduler stopped", zap.Error(runErr))
		}
		stop()
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.drain(shutdownCtx, eng.pool)
	a.Close(shutdownCtx)
	return runErr
}

// poolStopper is the part of the dispatcher drain depends on.
type poolStopper interface {
	Stop(ctx context.Context) error
}

// drain waits for in-flight runs so that their ledger, statistics and bot
// writes land before the repositories close. Runs still going at the shutdown
// deadline get one more run timeout, the longest any of them can last.
func (a *App) drain(ctx context.Context, pool poolStopper) {
	err := pool.Stop(ctx)
	if err == nil {
		return
	}
	a.logger.Warn("in-flight runs still settling at the shutdown deadline", zap.Error(err))
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Scheduler.RunTimeout)
	defer cancel()
	if err := pool.Stop(graceCtx); err != nil {
		a.logger.Error("abandoning in-flight runs", zap.Error(err))
	}
}

type engine struct {
	scheduler  *scheduler.Scheduler
	pool       *dispatcher.Dispatcher
	reverifier *opportunity.Reverifier
}

func (a *App) buildEngine(ctx context.Context) (*engine, error) {
	hub, err := a.setupProgress(ctx)
	if err != nil {
		return nil, err
	}
	a.progressHub = hub

	limiter := ratelimit.NewTargetLimiter(a.clock)
	router, err := a.setupFetcher(limiter)
	if err != nil {
		return nil, err
	}
	dd, err := dedup.New(a.hasher, a.repos.Opportunities, a.logger)
	if err != nil {
		return nil, fmt.Errorf("deduplicator init failed: %w", err)
	}
	w, err := worker.New(worker.Deps{
		Fetcher:   router,
		Extractor: extract.New(),
		Dedup:     dd,
		Scorer:    a.scorer,
		Store:     a.opportunity,
		Ledger:    a.ledger,
		Stats:     a.stats,
		Bots:      a.repos.Bots,
		Registry:  a.registry,
		Clock:     a.clock,
		RunIDs:    a.ids,
		Emitter:   hub,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	workers := a.cfg.Scheduler.Workers
	if workers == 0 {
		targets, err := a.registry.List(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("list targets: %w", err)
		}
		workers = dispatcher.DefaultWorkers(targets)
	}
	pool, err := dispatcher.New(dispatcher.Config{
		Workers:    workers,
		RunTimeout: a.cfg.Scheduler.RunTimeout,
	}, w, a.logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		RunInterval:        a.cfg.Scheduler.RunInterval,
		BackoffBase:        a.cfg.Scheduler.BackoffBase,
		BackoffMax:         a.cfg.Scheduler.BackoffMax,
		RateLimitedBackoff: a.cfg.Scheduler.RateLimitedBackoff,
		FailureThreshold:   a.cfg.Scheduler.FailureThreshold,
	}, a.registry, limiter, a.repos.Bots, a.clock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	rv, err := opportunity.NewReverifier(a.opportunity, opportunity.ReverifierConfig{
		Interval:  a.cfg.Verification.ReverifyInterval,
		BatchSize: a.cfg.Verification.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("reverifier init failed: %w", err)
	}
	return &engine{scheduler: sched, pool: pool, reverifier: rv}, nil
}

func (a *App) setupFetcher(permits discovery.PermitRedeemer) (*fetcher.Router, error) {
	fc := a.cfg.Fetcher
	deps := fetcher.Deps{
		HTTP: collyfetcher.New(collyfetcher.Config{
			UserAgent:     fc.UserAgent,
			RespectRobots: fc.RespectRobots,
			Timeout:       fc.Timeout,
			MaxBodyBytes:  fc.MaxBodyBytes,
		}),
		Permits: permits,
		Hosts:   ratelimit.NewHostLimiter(ratelimit.HostConfig{RPS: fc.HostRPS, Burst: fc.HostBurst}),
		Clock:   a.clock,
		Logger:  a.logger,
	}
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", fc.UserAgent),
		zap.Bool("respect_robots", fc.RespectRobots),
		zap.Float64("host_rps", fc.HostRPS),
	)
	if a.cfg.Headless.Enabled {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = h
		deps.Headless = h
		deps.Detector = detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}
	router, err := fetcher.NewRouter(fetcher.Config{
		Timeout:         fc.Timeout,
		HeadlessTimeout: a.cfg.Headless.NavigationTimeout,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("fetch router init failed: %w", err)
	}
	return router, nil
}

func (a *App) setupProgress(ctx context.Context) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	hub := progress.NewHub(hubCfg, promSink, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return hub, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.db != nil {
		return a.db.Ping(ctx)
	}
	return nil
}

// Close releases every resource Build and Run acquired. It is safe to call on
// a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
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
	if a.db != nil {
		a.db.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
