package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goclaw/cadence/config"
	"github.com/goclaw/cadence/pkg/api"
	"github.com/goclaw/cadence/pkg/api/handlers"
	"github.com/goclaw/cadence/pkg/archive"
	"github.com/goclaw/cadence/pkg/cache"
	cachemem "github.com/goclaw/cadence/pkg/cache/memory"
	cacheredis "github.com/goclaw/cadence/pkg/cache/redis"
	"github.com/goclaw/cadence/pkg/engine"
	"github.com/goclaw/cadence/pkg/lease"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/metrics"
	"github.com/goclaw/cadence/pkg/partition"
	"github.com/goclaw/cadence/pkg/persist"
	"github.com/goclaw/cadence/pkg/reconcile"
	"github.com/goclaw/cadence/pkg/rehydrate"
	"github.com/goclaw/cadence/pkg/safemode"
	"github.com/goclaw/cadence/pkg/storage"
	"github.com/goclaw/cadence/pkg/storage/badger"
	"github.com/goclaw/cadence/pkg/storage/memory"
	"github.com/goclaw/cadence/pkg/storage/postgres"
	"github.com/goclaw/cadence/pkg/storage/sqlite"
	"github.com/redis/go-redis/v9"
)

// app is the assembled process: engine, components and the HTTP surface.
type app struct {
	cfg        *config.Config
	log        logger.Logger
	metrics    *metrics.Manager
	engine     *engine.Engine
	server     *api.HTTPServer
	safeMode   *safemode.Manager
	reconciler *reconcile.Service

	closers []func() error
}

// close releases backends in reverse construction order.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// instanceID names this process as a lease holder and queue consumer.
func instanceID(cfg *config.Config) string {
	if cfg.App.InstanceID != "" {
		return cfg.App.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return cfg.App.Name
}

// build wires every component from cfg. On error, everything opened so far
// is closed.
func build(ctx context.Context, cfg *config.Config, log logger.Logger, mm *metrics.Manager) (a *app, err error) {
	a = &app{cfg: cfg, log: log, metrics: mm}
	defer func() {
		if err != nil {
			_ = a.close()
			a = nil
		}
	}()
	holder := instanceID(cfg)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		a.closers = append(a.closers, rdb.Close)
	}

	index, err := buildIndex(cfg, rdb)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, index.Close)

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	cold, err := badger.NewBadgerStorage(&badger.Config{
		Path:       cfg.Archive.Path,
		InMemory:   cfg.Archive.InMemory,
		SyncWrites: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}
	a.closers = append(a.closers, cold.Close)

	queue, err := buildQueue(cfg, rdb, log)
	if err != nil {
		return nil, err
	}

	var leases lease.Manager = lease.NewMemoryManager()
	if rdb != nil {
		if leases, err = lease.NewRedisManager(rdb, cfg.Redis.KeyPrefix+"lease:"); err != nil {
			return nil, fmt.Errorf("create lease manager: %w", err)
		}
	}

	parts := partition.New(store, log)

	persister, err := persist.New(queue, store, cold, persist.Config{
		Workers:       cfg.Persistence.Workers,
		BatchSize:     cfg.Persistence.BatchSize,
		FlushInterval: cfg.Persistence.FlushInterval,
		Retry: persist.RetryPolicy{
			InitialBackoff: cfg.Persistence.Retry.InitialBackoff,
			MaxBackoff:     cfg.Persistence.Retry.MaxBackoff,
			Multiplier:     cfg.Persistence.Retry.Multiplier,
			MaxAttempts:    cfg.Persistence.Retry.MaxAttempts,
		},
		Consumer:      holder,
		DepthInterval: persist.DefaultConfig().DepthInterval,
	}, persist.WithLogger(log), persist.WithTelemetry(mm))
	if err != nil {
		return nil, fmt.Errorf("create persistence service: %w", err)
	}

	a.reconciler, err = reconcile.New(index, store, leases, reconcile.Config{
		Interval:      cfg.Reconciliation.Interval,
		SampleSize:    cfg.Reconciliation.SampleSize,
		Tolerance:     cfg.Reconciliation.Tolerance,
		Threshold:     cfg.Reconciliation.Threshold,
		LeaseTTL:      cfg.Reconciliation.LeaseTTL,
		InFlightGrace: cfg.Reconciliation.InFlightGrace,
		Holder:        holder,
	}, reconcile.WithLogger(log), reconcile.WithTelemetry(mm))
	if err != nil {
		return nil, fmt.Errorf("create reconciler: %w", err)
	}

	archiver, err := archive.New(store, cold, index, parts, leases, archive.Config{
		BatchSize:      cfg.Archive.BatchSize,
		Retention:      cfg.Archive.Retention,
		SweepInterval:  cfg.Archive.SweepInterval,
		ExpiryInterval: cfg.Archive.ExpiryInterval,
		LeaseTTL:       cfg.Archive.LeaseTTL,
		PurgeBatch:     cfg.Cache.PurgeBatch,
		Holder:         holder,
	}, archive.WithLogger(log), archive.WithTelemetry(mm))
	if err != nil {
		return nil, fmt.Errorf("create archiver: %w", err)
	}

	a.safeMode = safemode.New(safemode.Config{
		Limits:        limitsFrom(cfg),
		CheckInterval: cfg.SafeMode.CheckInterval,
		CheckTimeout:  cfg.SafeMode.CheckTimeout,
		HistorySize:   cfg.SafeMode.HistorySize,
	}, index, safemode.WithLogger(log), safemode.WithTelemetry(mm))

	ecfg := engine.DefaultConfig()
	ecfg.ReconcileEnabled = cfg.Reconciliation.Enabled
	ecfg.ArchiveEnabled = cfg.Archive.SweepInterval > 0 || cfg.Archive.ExpiryInterval > 0
	a.engine, err = engine.New(ecfg, engine.Components{
		Index:      index,
		Store:      store,
		Partitions: parts,
		Rehydrator: rehydrate.New(index, store,
			rehydrate.WithPageSize(cfg.Store.PageSize), rehydrate.WithLogger(log), rehydrate.WithTelemetry(mm)),
		Persister:  persister,
		Reconciler: a.reconciler,
		Archiver:   archiver,
		SafeMode:   a.safeMode,
	}, engine.WithLogger(log), engine.WithMetrics(mm))
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	apiHandlers := &api.Handlers{
		Health:   handlers.NewHealthHandler(a.engine),
		Schedule: handlers.NewScheduleHandler(a.engine, log),
		Admin:    handlers.NewAdminHandler(a.engine, log),
		SafeMode: a.safeMode,
	}
	if mm.Enabled() {
		apiHandlers.Metrics = mm
		apiHandlers.MetricsHandler = mm.Handler()
	}
	a.server = api.NewHTTPServer(cfg, log, apiHandlers)
	return a, nil
}

func buildIndex(cfg *config.Config, rdb redis.Cmdable) (cache.Index, error) {
	switch cfg.Cache.Backend {
	case "redis":
		idx, err := cacheredis.New(rdb, &cacheredis.Config{
			KeyPrefix: cfg.Redis.KeyPrefix + "due:",
			KeyTTL:    cfg.Cache.KeyTTL,
			ScanCount: cfg.Cache.ScanCount,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		return idx, nil
	case "memory", "":
		return cachemem.New(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := postgres.New(ctx, &postgres.Config{
			DSN:      cfg.Store.PostgresDSN,
			MaxConns: cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.New(ctx, &sqlite.Config{Path: cfg.Store.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "memory", "":
		return memory.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildQueue(cfg *config.Config, rdb redis.Cmdable, log logger.Logger) (persist.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		q, err := persist.NewRedisQueue(rdb, persist.RedisQueueConfig{
			KeyPrefix: cfg.Redis.KeyPrefix + "queue:",
			Capacity:  cfg.Queue.Capacity,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("create redis queue: %w", err)
		}
		return q, nil
	case "channel", "":
		return persist.NewChannelQueue(cfg.Queue.Capacity), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func limitsFrom(cfg *config.Config) safemode.Limits {
	return safemode.Limits{
		GlobalLimit:  cfg.SafeMode.GlobalLimit,
		GlobalWindow: cfg.SafeMode.GlobalWindow,
		OwnerLimit:   cfg.SafeMode.OwnerLimit,
		OwnerWindow:  cfg.SafeMode.OwnerWindow,
	}
}
