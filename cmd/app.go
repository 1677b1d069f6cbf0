package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"gitasahayak/internal/audiocache"
	"gitasahayak/internal/auth"
	"gitasahayak/internal/config"
	"gitasahayak/internal/history"
	"gitasahayak/internal/metrics"
	"gitasahayak/internal/redis"
	"gitasahayak/internal/remote"
	"gitasahayak/internal/snapshot"
	"gitasahayak/internal/storage"
	"gitasahayak/internal/telemetry"
	"gitasahayak/internal/worker"
)

// app holds the components shared by the server and the maintenance
// commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	redis      *redis.Client
	remote     *remote.Provider
	local      *snapshot.Store
	audio      *audiocache.Cache
	dispatcher *worker.Dispatcher
	auth       *auth.Service
	history    *history.Orchestrator

	closers []func()
}

type appOptions struct {
	background bool
	tracer     trace.Tracer
	meter      metric.Meter
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := telemetry.InitLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, closer, nil
}

func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.metrics = metrics.New(a.registry)

	if cfg.Snapshot.Backend == "redis" || cfg.Redis.Host != "" {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.redis = rdb
		a.closers = append(a.closers, func() { rdb.Close() })
	}

	var backend snapshot.Backend
	switch cfg.Snapshot.Backend {
	case "redis":
		backend = snapshot.NewRedisBackend(a.redis, cfg.Snapshot.QuotaBytes)
	default:
		fb, err := snapshot.NewFileBackend(cfg.Snapshot.Dir, cfg.Snapshot.QuotaBytes)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		backend = fb
	}
	a.local = snapshot.New(backend,
		snapshot.WithMaxSessions(cfg.Snapshot.MaxSessions),
		snapshot.WithLogger(logger),
		snapshot.WithMetrics(a.metrics),
	)

	cache, err := audiocache.Open(cfg.BasicConfig.AudioCachePath, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.audio = cache
	a.closers = append(a.closers, func() { cache.Close() })

	historyOpts := []history.Option{
		history.WithAudioCache(cache),
		history.WithLogger(logger),
		history.WithMetrics(a.metrics),
		history.WithTracer(opts.tracer),
		history.WithMeter(opts.meter),
		history.WithSyncTimeout(time.Duration(cfg.BasicConfig.SyncTimeout) * time.Second),
	}

	if cfg.RemoteDriver != "" {
		remoteOpts := []remote.Option{remote.WithLogger(logger), remote.WithMetrics(a.metrics)}
		if opts.tracer != nil {
			remoteOpts = append(remoteOpts, remote.WithTracer(opts.tracer))
		}
		a.remote = remote.NewProvider(cfg, remoteOpts...)
		a.closers = append(a.closers, func() { a.remote.Close() })
		historyOpts = append(historyOpts, history.WithRemote(a.remote))

		dialect, err := storage.DialectFor(cfg.RemoteDriver)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.auth = auth.NewService(a.remote, dialect, a.redis, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour)
	}

	if opts.background {
		a.dispatcher = worker.NewDispatcher(worker.DispatcherConfig{
			MinWorkers:        cfg.BasicConfig.MinWorkers,
			MaxWorkers:        cfg.BasicConfig.MaxWorkers,
			QueueSize:         cfg.BasicConfig.QueueSize,
			WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		}, logger)
		d := a.dispatcher
		metrics.RegisterQueue(a.registry, func() (int, int, int) {
			st := d.Stats()
			return st.Running, st.Idle, st.Queued
		})
		historyOpts = append(historyOpts, history.WithSubmitter(a.dispatcher))
	}

	a.history = history.NewOrchestrator(a.local, historyOpts...)
	return a, nil
}

// Close drains background syncs and releases resources in reverse order.
func (a *app) Close() {
	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.dispatcher.Stop(ctx); err != nil {
			a.logger.Warn("dispatcher stop", "error", err)
		}
		cancel()
	}
	if a.history != nil {
		a.history.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
