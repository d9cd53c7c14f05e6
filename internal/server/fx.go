// Package server builds the taskboard's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-taskboard/internal/api"
	"github.com/JakeFAU/crawl-taskboard/internal/board"
	"github.com/JakeFAU/crawl-taskboard/internal/client/crawlerhttp"
	"github.com/JakeFAU/crawl-taskboard/internal/config"
	"github.com/JakeFAU/crawl-taskboard/internal/dispatcher"
	"github.com/JakeFAU/crawl-taskboard/internal/logging"
	"github.com/JakeFAU/crawl-taskboard/internal/metrics"
	"github.com/JakeFAU/crawl-taskboard/internal/persistence"
	gcsslot "github.com/JakeFAU/crawl-taskboard/internal/persistence/gcs"
	localslot "github.com/JakeFAU/crawl-taskboard/internal/persistence/local"
	memoryslot "github.com/JakeFAU/crawl-taskboard/internal/persistence/memory"
	pgslot "github.com/JakeFAU/crawl-taskboard/internal/persistence/postgres"
	redisslot "github.com/JakeFAU/crawl-taskboard/internal/persistence/redis"
	"github.com/JakeFAU/crawl-taskboard/internal/progress"
	progresssinks "github.com/JakeFAU/crawl-taskboard/internal/progress/sinks"
	"github.com/JakeFAU/crawl-taskboard/internal/reconciler"
	"github.com/JakeFAU/crawl-taskboard/internal/worker"
)

const defaultShutdownGrace = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	board      *board.Board
	snapshots  *persistence.Adapter
	hub        *progress.Hub
	baseCancel context.CancelFunc
	running    atomic.Bool
}

// Build creates the application's dependencies and restores the persisted
// task list.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("crawler", cfg.Crawler.BaseURL),
		zap.String("persistence", cfg.Persistence.Backend),
	)

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		_ = app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	slot, err := setupSlot(ctx, a.cfg.Persistence, a.logger)
	if err != nil {
		return err
	}
	a.snapshots, err = persistence.New(slot, persistence.Config{
		Key:     a.cfg.Persistence.Key,
		Timeout: time.Duration(a.cfg.Persistence.SaveTimeoutMs) * time.Millisecond,
	}, a.logger.Named("persistence"))
	if err != nil {
		_ = slot.Close()
		return fmt.Errorf("snapshot adapter init failed: %w", err)
	}

	a.board = board.New(board.Options{
		Capacity:    a.cfg.Tasks.Capacity,
		Snapshotter: a.snapshots,
		Logger:      a.logger.Named("board"),
	})
	restored := a.board.Hydrate(a.snapshots.Load(ctx))
	a.logger.Info("task list restored", zap.Int("tasks", restored))

	base, cancel := context.WithCancel(context.Background())
	a.baseCancel = cancel

	events, err := a.setupProgress(ctx, base)
	if err != nil {
		return err
	}

	client, err := crawlerhttp.New(crawlerhttp.Config{
		BaseURL: a.cfg.Crawler.BaseURL,
		Paths: crawlerhttp.Paths{
			Add:      a.cfg.Crawler.Paths.Add,
			Start:    a.cfg.Crawler.Paths.Start,
			Stop:     a.cfg.Crawler.Paths.Stop,
			Progress: a.cfg.Crawler.Paths.Progress,
		},
		AuthToken: a.cfg.Crawler.AuthToken,
		Timeout:   a.cfg.CrawlerTimeout(),
	}, nil, a.logger.Named("crawler"))
	if err != nil {
		return fmt.Errorf("crawler client init failed: %w", err)
	}

	runner, err := worker.New(a.board, client, events, worker.Config{
		PollInterval: a.cfg.PollInterval(),
		WaitTimeout:  a.cfg.WaitTimeout(),
	}, a.logger.Named("runner"))
	if err != nil {
		return fmt.Errorf("batch runner init failed: %w", err)
	}

	recon, err := reconciler.New(client, a.board, events, reconciler.Config{
		Interval: a.cfg.ReconcileInterval(),
	}, a.logger.Named("reconciler"))
	if err != nil {
		return fmt.Errorf("reconciler init failed: %w", err)
	}

	a.dispatch, err = dispatcher.New(a.board, client, runner, dispatcher.Config{
		BaseContext: base,
		Loops:       []dispatcher.Looper{recon},
	}, a.logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.dispatch, a.cfg, a.ready, a.logger.Named("api"))
	return nil
}

func setupSlot(ctx context.Context, cfg config.PersistenceConfig, logger *zap.Logger) (persistence.Slot, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		logger.Info("using local snapshot backend", zap.String("path", cfg.Local.BaseDir))
		slot, err := localslot.New(localslot.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local slot init failed: %w", err)
		}
		return slot, nil
	case config.BackendRedis:
		logger.Info("using redis snapshot backend", zap.String("addr", cfg.Redis.Addr))
		slot, err := redisslot.New(redisslot.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      time.Duration(cfg.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("redis slot init failed: %w", err)
		}
		return slot, nil
	case config.BackendPostgres:
		logger.Info("using postgres snapshot backend", zap.String("table", cfg.Postgres.Table))
		slot, err := pgslot.New(ctx, pgslot.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres slot init failed: %w", err)
		}
		return slot, nil
	case config.BackendGCS:
		logger.Info("using GCS snapshot backend", zap.String("bucket", cfg.GCS.Bucket))
		slot, err := gcsslot.Dial(ctx, gcsslot.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs slot init failed: %w", err)
		}
		return slot, nil
	default:
		logger.Info("using in-memory snapshot backend")
		return memoryslot.New(), nil
	}
}

func (a *App) setupProgress(ctx, base context.Context) (progress.Emitter, error) {
	pc := a.cfg.Progress
	if !pc.Enabled {
		a.logger.Info("progress events disabled")
		return progress.Nop{}, nil
	}
	var sinks []progress.Sink
	if pc.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress")))
	}
	if pc.PrometheusEnabled {
		sink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if pc.Kafka.Topic != "" {
		sink, err := progresssinks.NewKafkaSink(pc.Kafka.Brokers, pc.Kafka.Topic)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("kafka progress sink init failed: %w", err)
		}
		a.logger.Info("kafka progress sink enabled", zap.String("topic", pc.Kafka.Topic))
		sinks = append(sinks, sink)
	}
	if pc.PubSub.TopicName != "" {
		sink, err := progresssinks.DialPubSubSink(ctx, pc.PubSub.ProjectID, pc.PubSub.TopicName)
		if err != nil {
			closeSinks(sinks)
			return nil, fmt.Errorf("pubsub progress sink init failed: %w", err)
		}
		a.logger.Info("pubsub progress sink enabled", zap.String("topic", pc.PubSub.TopicName))
		sinks = append(sinks, sink)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(pc.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(pc.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    base,
		Logger:         a.logger.Named("progress"),
	}, sinks...)
	return a.hub, nil
}

func closeSinks(sinks []progress.Sink) {
	for _, s := range sinks {
		_ = s.Close(context.Background())
	}
}

// Handler exposes the HTTP API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) ready(context.Context) error {
	if !a.running.Load() {
		return errors.New("service is not running")
	}
	return nil
}

// Run serves the API and the background loops until ctx is canceled, then
// shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
		a.logger.Info("dispatcher stopped")
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()
	a.running.Store(true)

	<-ctx.Done()
	a.running.Store(false)
	a.logger.Info("shutdown initiated")

	grace := time.Duration(a.cfg.Server.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.baseCancel()
	wg.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close flushes progress events and releases the snapshot backend.
func (a *App) Close(ctx context.Context) error {
	err := a.closeInfrastructure(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.baseCancel != nil {
		a.baseCancel()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			a.logger.Warn("snapshot backend close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
