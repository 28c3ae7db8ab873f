// Package server builds the orchestrator's object graph from configuration
// and runs its long-lived parts.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/imagine-orchestrator/internal/api"
	"github.com/JakeFAU/imagine-orchestrator/internal/archive"
	"github.com/JakeFAU/imagine-orchestrator/internal/clock/system"
	"github.com/JakeFAU/imagine-orchestrator/internal/config"
	"github.com/JakeFAU/imagine-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/imagine-orchestrator/internal/health"
	"github.com/JakeFAU/imagine-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/keypool"
	"github.com/JakeFAU/imagine-orchestrator/internal/metrics"
	"github.com/JakeFAU/imagine-orchestrator/internal/poller"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/imagine-orchestrator/internal/registry"
	"github.com/JakeFAU/imagine-orchestrator/internal/storage"
	"github.com/JakeFAU/imagine-orchestrator/internal/studio"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	state     *storage.State
	pool      *keypool.Pool
	registry  *registry.Registry
	poller    *poller.Engine
	studio    *studio.Studio
	archiver  *archive.Archiver
	queue     *memory.Queue
	scheduler *health.Scheduler
	hub       *progress.Hub
	apiServer *api.Server

	// closers release backend clients after the state mirror is flushed,
	// in registration order.
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies and loads persisted state.
// Nothing polls or serves until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("state_backend", cfg.State.Backend),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.Bool("progress", cfg.Progress.Enabled),
	)

	clock := system.New()
	ids := uuid.New()

	backend, err := setupState(ctx, app)
	if err != nil {
		return nil, app.abort(err)
	}
	app.state = storage.NewState(backend.provider, storage.DefaultCodec(), ids, logger.Named("state"))

	emitter, err := setupProgress(ctx, app, backend.events)
	if err != nil {
		return nil, app.abort(err)
	}

	client := upstream.NewClient(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		APIKey:    cfg.Upstream.APIKey,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout,
		RPS:       cfg.Upstream.RPS,
	}, logger.Named("upstream"))

	app.pool = keypool.New(keypool.Config{
		Capacity: cfg.Pool.Capacity,
		Store:    app.state,
		IDs:      ids,
		Clock:    clock,
		Logger:   logger.Named("keypool"),
	})
	if err := app.pool.Load(ctx); err != nil {
		return nil, app.abort(fmt.Errorf("load key pool: %w", err))
	}
	metrics.SetKeyPool(len(app.pool.List()), len(app.pool.Enabled()))

	app.registry = registry.New(registry.Config{
		Capacity: cfg.History.Capacity,
		Store:    app.state,
		Emitter:  emitter,
		Clock:    clock,
		Logger:   logger.Named("registry"),
		OnReady: func(job imagine.Job) {
			if app.archiver != nil {
				app.archiver.Enqueue(job)
			}
		},
	})
	if err := app.registry.Load(ctx); err != nil {
		return nil, app.abort(fmt.Errorf("load job registry: %w", err))
	}

	if cfg.Archive.Enabled {
		if app.archiver, err = setupArchive(ctx, app, client, clock, emitter); err != nil {
			return nil, app.abort(err)
		}
	}

	app.poller = poller.New(poller.Config{
		Interval:       cfg.Polling.Interval,
		Registry:       app.registry,
		Keys:           app.pool,
		Upstream:       client,
		Clock:          clock,
		AllowAnonymous: cfg.Upstream.AllowAnonymous,
		Emitter:        emitter,
		Logger:         logger.Named("poller"),
	})

	checker := health.New(health.Config{
		Pool:     app.pool,
		Upstream: client,
		Clock:    clock,
		Workers:  cfg.Health.Workers,
		Gap:      cfg.Health.Gap,
		Emitter:  emitter,
		Logger:   logger.Named("health"),
	})
	if cfg.Health.Schedule != "" {
		runner := health.RunnerFunc(func(ctx context.Context) error {
			_, err := checker.CheckAll(ctx)
			return err
		})
		app.scheduler, err = health.NewScheduler(cfg.Health.Schedule, runner, cfg.Health.Timeout, logger.Named("health_schedule"))
		if err != nil {
			return nil, app.abort(err)
		}
	}

	app.studio = studio.New(studio.Config{
		Pool:     app.pool,
		Registry: app.registry,
		Dispatcher: dispatcher.New(dispatcher.Config{
			Pool:           app.pool,
			AllowAnonymous: cfg.Upstream.AllowAnonymous,
			Emitter:        emitter,
			Logger:         logger.Named("dispatcher"),
		}),
		Poller:    app.poller,
		Health:    checker,
		Upstream:  client,
		Throttle:  client,
		IDs:       ids,
		MaxImages: cfg.History.MaxImages,
		Logger:    logger.Named("studio"),
	})

	var activity api.ActivityRepository
	if backend.events != nil {
		activity = backend.events
	}
	app.apiServer = api.NewServer(app.studio, activity, cfg, logger.Named("api"))
	return app, nil
}

// Studio exposes the orchestration facade, for CLI commands.
func (a *App) Studio() *studio.Studio {
	return a.studio
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run resumes polling of the active job, then serves HTTP and runs the
// archive workers and health schedule until ctx is canceled or a signal
// arrives. It always closes the application before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if active := a.registry.Active(); active != "" {
		if err := a.poller.Activate(active); err != nil {
			a.logger.Warn("resume active job failed", zap.String("job_id", active), zap.Error(err))
		} else {
			a.logger.Info("resumed active job", zap.String("job_id", active))
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	if a.archiver != nil {
		g.Go(func() error { return a.archiver.Run(gctx) })
	}
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close stops polling, drains the progress hub, flushes persisted state and
// releases backend clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.poller != nil {
		if err := a.poller.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.state != nil {
		if err := a.state.Close(ctx); err != nil {
			a.logger.Warn("state flush failed", zap.Error(err))
		}
	}
	a.releaseClients()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) releaseClients() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("client", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

// abort releases whatever Build opened before failing.
func (a *App) abort(err error) error {
	if a.hub != nil {
		_ = a.hub.Close(context.Background())
	}
	a.releaseClients()
	return err
}
