package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/archive"
	"github.com/JakeFAU/imagine-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	progresssinks "github.com/JakeFAU/imagine-orchestrator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/imagine-orchestrator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/imagine-orchestrator/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/imagine-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/imagine-orchestrator/internal/storage"
	gcsstore "github.com/JakeFAU/imagine-orchestrator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/imagine-orchestrator/internal/storage/local"
	memorystorage "github.com/JakeFAU/imagine-orchestrator/internal/storage/memory"
	pgstore "github.com/JakeFAU/imagine-orchestrator/internal/storage/postgres"
	redisstore "github.com/JakeFAU/imagine-orchestrator/internal/storage/redis"
	"github.com/JakeFAU/imagine-orchestrator/internal/upstream"
)

// stateBackend is the provider chosen by state.backend plus, for Postgres
// with progress.store_events, the lifecycle log sharing its pool.
type stateBackend struct {
	provider storage.Provider
	events   *pgstore.EventStore
}

func setupState(ctx context.Context, app *App) (stateBackend, error) {
	cfg := app.cfg.State
	switch cfg.Backend {
	case "", "memory":
		return stateBackend{provider: memorystorage.NewStateStore()}, nil
	case "local":
		store, err := localstorage.NewStateStore(localstorage.Config{BaseDir: cfg.Local.Dir})
		if err != nil {
			return stateBackend{}, fmt.Errorf("open local state: %w", err)
		}
		return stateBackend{provider: store}, nil
	case "redis":
		store, err := redisstore.NewStateStore(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return stateBackend{}, err
		}
		app.onClose("redis", store.Close)
		return stateBackend{provider: store}, nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return stateBackend{}, fmt.Errorf("create gcs client: %w", err)
		}
		app.onClose("gcs_state", client.Close)
		store, err := gcsstore.NewStateStore(ctx, client, gcsstore.StateConfig{
			Bucket: cfg.GCS.Bucket,
			Prefix: cfg.GCS.Prefix,
		})
		if err != nil {
			return stateBackend{}, err
		}
		return stateBackend{provider: store}, nil
	case "postgres":
		store, err := pgstore.NewStateStore(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return stateBackend{}, err
		}
		app.onClose("postgres", func() error {
			store.Close()
			return nil
		})
		backend := stateBackend{provider: store}
		if app.cfg.Progress.Enabled && app.cfg.Progress.StoreEvents {
			events := store.Events()
			if err := events.EnsureSchema(ctx); err != nil {
				return stateBackend{}, fmt.Errorf("ensure event schema: %w", err)
			}
			backend.events = events
		}
		app.logger.Info("postgres state store ready", zap.Bool("events", backend.events != nil))
		return backend, nil
	default:
		return stateBackend{}, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}

func setupProgress(ctx context.Context, app *App, events *pgstore.EventStore) (progress.Emitter, error) {
	cfg := app.cfg.Progress
	if !cfg.Enabled {
		return progress.Discard, nil
	}
	logger := app.logger.Named("progress")

	var sinks []progress.Sink
	if cfg.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(logger))
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	switch {
	case err == nil:
		sinks = append(sinks, promSink)
	case errors.As(err, &prometheus.AlreadyRegisteredError{}):
		// A second App in the same process reuses the first one's collectors.
		logger.Warn("progress collectors already registered", zap.Error(err))
	default:
		return nil, err
	}
	if events != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(events, logger))
	}

	app.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(cfg.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(cfg.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logger,
	}, sinks...)
	return app.hub, nil
}

func setupArchive(
	ctx context.Context,
	app *App,
	client *upstream.Client,
	clock imagine.Clock,
	emitter progress.Emitter,
) (*archive.Archiver, error) {
	cfg := app.cfg.Archive

	blobs, err := setupBlobStore(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.queue = queuememory.NewQueue(cfg.QueueDepth)
	app.logger.Info("archive enabled",
		zap.String("backend", cfg.Backend),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_depth", cfg.QueueDepth),
	)
	return archive.New(archive.Config{
		Workers:    cfg.Workers,
		Prefix:     cfg.Prefix,
		Topic:      app.cfg.PubSub.TopicName,
		Retries:    cfg.Retries,
		Backoff:    cfg.Backoff,
		Queue:      app.queue,
		Blobs:      blobs,
		Publisher:  publisher,
		Hasher:     sha256.New(),
		Downloader: client,
		Registry:   app.registry,
		Clock:      clock,
		Emitter:    emitter,
		Logger:     app.logger.Named("archive"),
	}), nil
}

func setupBlobStore(ctx context.Context, app *App) (imagine.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case "", "memory":
		return memorystorage.NewBlobStore(), nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		app.onClose("gcs", client.Close)
		store, err := gcsstore.New(client, gcsstore.Config{
			Bucket:       cfg.GCS.Bucket,
			CacheControl: cfg.GCS.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("create gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported archive backend %q", cfg.Backend)
	}
}

func setupPublisher(ctx context.Context, app *App) (imagine.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return memorypublisher.New(memorypublisher.DefaultLimit), nil
	}
	pub, err := gcppublisher.Dial(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return nil, err
	}
	app.onClose("pubsub", pub.Close)
	return pub, nil
}
