package engine

import (
	"context"
	"time"

	"github.com/goclaw/cadence/pkg/logger"
)

// MetricsRecorder receives request-path signals.
type MetricsRecorder interface {
	RecordCacheLookup(ctx context.Context, result string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordCacheLookup(context.Context, string, time.Duration) {}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithMetrics sets the metrics recorder for the engine.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}
