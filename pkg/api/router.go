// Package api provides the HTTP surface: the schedule read/write path used
// by the SRS engine and the operator admin routes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goclaw/cadence/config"
	"github.com/goclaw/cadence/pkg/api/handlers"
	"github.com/goclaw/cadence/pkg/api/middleware"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/safemode"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Health handles liveness and readiness checks.
	Health *handlers.HealthHandler

	// Schedule handles outcome submission and due queries.
	Schedule *handlers.ScheduleHandler

	// Admin handles the operator routes.
	Admin *handlers.AdminHandler

	// SafeMode, when set, is attached to every request context.
	SafeMode *safemode.Manager

	// Metrics is the optional metrics recorder.
	Metrics middleware.MetricsRecorder

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))
	}
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	if h.SafeMode != nil {
		r.Use(middleware.SafeMode(h.SafeMode))
	}

	RegisterRoutes(r, h, requestTimeout(cfg))
	return r
}

// requestTimeout bounds short requests. Rebuilds are exempt.
func requestTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.WriteTimeout > 0 {
		return cfg.Server.WriteTimeout
	}
	return 30 * time.Second
}

// RegisterRoutes registers all routes.
func RegisterRoutes(r chi.Router, h *Handlers, timeout time.Duration) {
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
	}
	if h.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.MetricsHandler)
	}

	if h.Schedule != nil {
		r.Route("/v1/owners/{ownerID}", func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))
			r.Post("/outcomes", h.Schedule.SubmitOutcomes)
			r.Get("/seasons/{seasonID}/due", h.Schedule.GetDueItems)
		})
	}

	if h.Admin != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			// Rebuilds and archive moves scan whole seasons.
			r.Post("/seasons/{seasonID}/rebuild", h.Admin.RebuildSeason)
			r.Post("/seasons/{seasonID}/archive", h.Admin.ArchiveSeason)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(timeout))

				r.Post("/seasons", h.Admin.CreateSeason)
				r.Get("/seasons", h.Admin.ListSeasons)
				r.Post("/seasons/{seasonID}/deactivate", h.Admin.DeactivateSeason)

				r.Post("/archive/flag", h.Admin.FlagExpiredArchives)
				r.Delete("/archive/{seasonID}", h.Admin.PurgeArchive)

				r.Get("/partitions", h.Admin.ListPartitions)
				r.Delete("/partitions/{seasonID}", h.Admin.ReclaimPartition)

				r.Get("/cache/health", h.Admin.CacheHealth)
				r.Post("/reconciliation", h.Admin.TriggerReconciliation)
				r.Post("/dead-letters/replay", h.Admin.ReplayDeadLetters)
				r.Get("/safe-mode/history", h.Admin.SafeModeHistory)
			})
		})
	}
}
