package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/Byk3y/PREPAI-sub003/internal/api"
	"github.com/Byk3y/PREPAI-sub003/internal/core/config"
	"github.com/Byk3y/PREPAI-sub003/internal/core/job"
	"github.com/Byk3y/PREPAI-sub003/internal/core/worker"
	"github.com/Byk3y/PREPAI-sub003/internal/health"
	redisclient "github.com/Byk3y/PREPAI-sub003/internal/infra/redis"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/remote"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage/memory"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage/postgres"
	"github.com/Byk3y/PREPAI-sub003/internal/processing"
	"github.com/Byk3y/PREPAI-sub003/internal/recovery"
)

// App owns every long-lived component of the service.
type App struct {
	cfg *config.AppConfig

	Jobs      storage.JobRepository
	Materials storage.MaterialRepository
	Feed      storage.ChangeFeed
	Hub       *recovery.Hub
	Handler   *recovery.Handler
	Manager   *job.Manager
	// Orchestrator is nil when no remote backend is configured.
	Orchestrator *processing.Orchestrator
	Monitor      *health.Monitor

	db          *postgres.DB
	redisClient *redisclient.Client
	pruner      *worker.Pruner
	sweeper     *worker.Sweeper
	routes      http.Handler
	httpServer  httpServer
	grpcServer  *health.GRPCServer

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

type httpServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// NewApp wires the service from configuration. Without a database URL the
// in-memory store is used; without a redis URL tracked jobs are not
// persisted and worker locks are skipped.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg: cfg,
		Hub: recovery.NewHub(),
		log: slog.Default().With("component", "app"),
	}

	var deps []health.Dependency
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		jobs := postgres.NewJobRepo(db)
		feed, err := postgres.NewFeed(db, jobs)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to start change feed: %w", err)
		}
		a.db = db
		a.Jobs = jobs
		a.Materials = postgres.NewMaterialRepo(db)
		a.Feed = feed
		deps = append(deps, health.Dependency{Name: "postgres", Required: true, Check: db.Health})
		a.log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		a.Jobs = memory.NewJobRepo(store)
		a.Materials = memory.NewMaterialRepo(store)
		a.Feed = memory.NewFeed(store)
		a.log.Info("Using Memory storage")
	}

	var (
		registry job.Registry
		sink     recovery.DiagnosticsSink
		locker   worker.Locker
	)
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, tracked jobs will not survive a restart", "error", err)
		} else {
			a.redisClient = rc
			registry = redisclient.NewRegistry(rc)
			sink = redisclient.NewDiagnosticsSink(rc, cfg.Processing.DiagnosticsCap)
			locker = rc
			deps = append(deps, health.Dependency{Name: "redis", Check: rc.Health})
		}
	}

	a.Handler = recovery.NewHandler(&recovery.ExponentialBackoff{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		MaxAttempts:  cfg.Retry.MaxAttempts,
	}, a.Hub, sink)
	a.Manager = job.NewManager(a.Jobs, a.Feed, a.Handler, registry)

	if cfg.Remote.BaseURL != "" {
		client := remote.NewClient(cfg.Remote)
		trigger, err := remote.NewTrigger(client)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("failed to init trigger: %w", err)
		}
		uploader := remote.NewUploader(client, cfg.Remote.Bucket, cfg.Processing.AllowLocalFallback)

		a.Orchestrator = processing.NewOrchestrator(
			uploader,
			trigger,
			a.Jobs,
			a.Materials,
			a.Handler,
			a.Manager,
			processing.Config{
				TriggerTimeout:     cfg.Processing.TriggerTimeout,
				AllowLocalFallback: cfg.Processing.AllowLocalFallback,
			},
		)
		a.Manager.SetRetriggerer(a.Orchestrator)

		a.sweeper = worker.NewSweeper(worker.SweeperConfig{
			Interval:   cfg.Processing.SweepInterval,
			StaleAfter: cfg.Processing.StaleAfter,
			Owner:      cfg.Server.InstanceID,
		}, a.Jobs, a.Orchestrator, locker)
	}

	a.pruner = worker.NewPruner(worker.PrunerConfig{
		Retention: cfg.Processing.Retention,
		Owner:     cfg.Server.InstanceID,
	}, a.Jobs, locker)

	th := health.DefaultThresholds()
	th.StaleAfter = 2 * cfg.Processing.StaleAfter
	a.Monitor = health.NewMonitor(deps, a.Jobs, health.Activity{
		ActiveTrackers: a.Manager.Active,
		PendingRetries: a.Handler.PendingRetries,
	}, th)

	healthServer := health.NewServer(a.Monitor, cfg.Server.Port)
	if a.Orchestrator != nil {
		auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		router := api.NewRouter(api.NewHandler(a.Orchestrator, a.Jobs, a.Manager, a.Hub, a.Handler), auth)
		mountHealth(router, healthServer.Handler())
		a.routes = router
		a.httpServer = api.NewServer(router, cfg.Server.Port)
	} else {
		a.routes = healthServer.Handler()
		a.httpServer = healthServer
	}

	if cfg.Server.GRPCPort != 0 {
		a.grpcServer = health.NewGRPCServer(a.Monitor, cfg.Server.GRPCPort)
	}
	return a, nil
}

// Routes returns the handler served on server.port.
func (a *App) Routes() http.Handler {
	return a.routes
}

func mountHealth(router *gin.Engine, h http.Handler) {
	wrapped := gin.WrapH(h)
	router.GET("/health", wrapped)
	router.GET("/health/detailed", wrapped)
	router.GET("/health/live", wrapped)
	router.GET("/health/ready", wrapped)
	router.GET("/metrics", wrapped)
}

// Start launches servers and workers and resumes tracking of jobs that
// were in flight when the previous process stopped.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.goRun("http server", func() error { return a.httpServer.Start() })
	if a.grpcServer != nil {
		a.goRun("grpc health server", func() error { return a.grpcServer.Start(ctx) })
	}
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
	a.goRun("pruner", func() error { a.pruner.Start(ctx); return nil })
	if a.sweeper != nil {
		a.goRun("sweeper", func() error { a.sweeper.Start(ctx); return nil })
	}

	n, err := a.Manager.Resume(ctx)
	if err != nil {
		a.log.Warn("Failed to resume tracked jobs", "error", err)
	} else if n > 0 {
		a.log.Info("Resumed tracked jobs", "count", n)
	}

	a.log.Info("App started",
		"port", a.cfg.Server.Port,
		"grpc_port", a.cfg.Server.GRPCPort,
		"api", a.Orchestrator != nil,
	)
	return nil
}

func (a *App) goRun(name string, fn func() error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Component failed", "component", name, "error", err)
		}
	}()
}

// Stop shuts servers down, stops trackers and pending retries, and closes
// the stores. Nothing is written to the job table.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping app...")

	var errs []error
	if err := a.httpServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http server: %w", err))
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	a.Manager.StopAll()
	a.Handler.Cleanup()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for workers: %w", ctx.Err()))
	}

	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if f, ok := a.Feed.(interface{ Close() error }); ok {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close change feed: %w", err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
