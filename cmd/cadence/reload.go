package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goclaw/cadence/config"
	"github.com/goclaw/cadence/pkg/logger"
)

// watchConfig applies hot-reloadable settings until ctx is cancelled.
func watchConfig(ctx context.Context, a *app, path string, overrides map[string]interface{}) error {
	w, err := config.NewWatcher(path, config.WithOverrides(overrides), config.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	var mu sync.Mutex
	current := config.ExtractHotReloadable(a.cfg)
	w.OnChange(func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		next := config.ExtractHotReloadable(cfg)
		applyReload(a, current, next)
		current = next
	})
	err = w.Watch(ctx)
	_ = w.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch config: %w", err)
	}
	return nil
}

// applyReload pushes the changed subset of settings into running components.
func applyReload(a *app, prev, next config.HotReloadable) {
	if next.LogLevel != prev.LogLevel {
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
		a.log.Info("log level reloaded", "level", next.LogLevel)
	}
	if next.LimitsChanged(prev) {
		cfg := *a.cfg
		cfg.SafeMode.GlobalLimit = next.GlobalLimit
		cfg.SafeMode.GlobalWindow = next.GlobalWindow
		cfg.SafeMode.OwnerLimit = next.OwnerLimit
		cfg.SafeMode.OwnerWindow = next.OwnerWindow
		a.safeMode.SetLimits(limitsFrom(&cfg))
		a.log.Info("safe mode limits reloaded",
			"global_limit", next.GlobalLimit, "global_window", next.GlobalWindow,
			"owner_limit", next.OwnerLimit, "owner_window", next.OwnerWindow)
	}
	if next.ReconcileSample != prev.ReconcileSample || next.ReconcileThreshold != prev.ReconcileThreshold {
		a.reconciler.SetSampling(next.ReconcileSample, next.ReconcileThreshold)
		a.log.Info("reconciliation sampling reloaded",
			"sample_size", next.ReconcileSample, "threshold", next.ReconcileThreshold)
	}
}
