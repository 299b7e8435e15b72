// Package engine is the entry point of the scheduling core. It ties the
// schedule cache, the durable store and the background services together
// behind the submit, due-query and administrative operations.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/cadence/pkg/archive"
	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/partition"
	"github.com/goclaw/cadence/pkg/persist"
	"github.com/goclaw/cadence/pkg/reconcile"
	"github.com/goclaw/cadence/pkg/rehydrate"
	"github.com/goclaw/cadence/pkg/safemode"
	"github.com/goclaw/cadence/pkg/storage"
	"golang.org/x/sync/errgroup"
)

// Config holds engine settings.
type Config struct {
	// ReconcileEnabled starts the scheduled reconciliation loop.
	ReconcileEnabled bool
	// ArchiveEnabled starts the archive sweep and retention loops.
	ArchiveEnabled bool
	// MaxDueLimit caps the limit accepted by GetDueItems.
	MaxDueLimit int
	// HealthTimeout bounds the cache ping in GetCacheHealth.
	HealthTimeout time.Duration
}

// DefaultConfig enables every background loop.
func DefaultConfig() Config {
	return Config{
		ReconcileEnabled: true,
		ArchiveEnabled:   true,
		MaxDueLimit:      1000,
		HealthTimeout:    time.Second,
	}
}

// Components are the collaborators the engine drives.
type Components struct {
	Index      cache.Index
	Store      storage.Store
	Partitions *partition.Manager
	Rehydrator *rehydrate.Rehydrator
	Persister  *persist.Service
	Reconciler *reconcile.Service
	Archiver   *archive.Archiver
	SafeMode   *safemode.Manager
}

func (c Components) validate() error {
	switch {
	case c.Index == nil:
		return fmt.Errorf("engine: cache index is required")
	case c.Store == nil:
		return fmt.Errorf("engine: store is required")
	case c.Partitions == nil:
		return fmt.Errorf("engine: partition manager is required")
	case c.Rehydrator == nil:
		return fmt.Errorf("engine: rehydrator is required")
	case c.Persister == nil:
		return fmt.Errorf("engine: persistence service is required")
	case c.Reconciler == nil:
		return fmt.Errorf("engine: reconciliation service is required")
	case c.Archiver == nil:
		return fmt.Errorf("engine: archiver is required")
	case c.SafeMode == nil:
		return fmt.Errorf("engine: safe mode manager is required")
	}
	return nil
}

// Engine is the scheduling cache and consistency engine.
type Engine struct {
	config  Config
	c       Components
	logger  logger.Logger
	metrics MetricsRecorder
	nowFn   func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	group  *errgroup.Group
}

// State represents the lifecycle state of the engine.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// New creates an engine. The recovery hook that repairs degraded pairs is
// registered with the safe mode manager here.
func New(config Config, c Components, opts ...Option) (*Engine, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if config.MaxDueLimit <= 0 {
		config.MaxDueLimit = DefaultConfig().MaxDueLimit
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultConfig().HealthTimeout
	}
	e := &Engine{
		config:  config,
		c:       c,
		logger:  logger.Global(),
		metrics: nopMetrics{},
		nowFn:   time.Now,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.Component(e.logger, "engine")
	e.c.SafeMode.OnRecover(e.repairDegraded)
	return e, nil
}

// Start warms the partition set and launches the background services.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		return fmt.Errorf("engine is already running")
	}

	if err := e.c.Partitions.Warm(ctx); err != nil {
		return fmt.Errorf("warm partitions: %w", err)
	}
	if err := e.c.SafeMode.Check(ctx); err != nil {
		e.logger.WarnContext(ctx, "cache unreachable at startup, serving degraded", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.c.Persister.Run(gctx) })
	g.Go(func() error { return e.c.SafeMode.Run(gctx) })
	if e.config.ReconcileEnabled {
		g.Go(func() error { return e.c.Reconciler.Start(gctx) })
	}
	if e.config.ArchiveEnabled {
		g.Go(func() error { return e.c.Archiver.Start(gctx) })
	}

	e.cancel = cancel
	e.group = g
	e.state = StateRunning
	e.logger.InfoContext(ctx, "engine started",
		"reconcile", e.config.ReconcileEnabled, "archive", e.config.ArchiveEnabled)
	return nil
}

// Stop cancels the background services and waits for them, including the
// drain of in-process queues, until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	cancel, g := e.cancel, e.group
	e.state = StateStopped
	e.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		e.logger.InfoContext(ctx, "engine stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// modeFor returns the safe mode manager carried by ctx, falling back to the
// engine's own.
func (e *Engine) modeFor(ctx context.Context) *safemode.Manager {
	if m := safemode.FromContext(ctx); m != nil {
		return m
	}
	return e.c.SafeMode
}
