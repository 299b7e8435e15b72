// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"

	"github.com/goclaw/cadence/pkg/api/response"
	"github.com/goclaw/cadence/pkg/engine"
	"github.com/goclaw/cadence/pkg/version"
)

// Lifecycle reports whether the engine is serving.
type Lifecycle interface {
	State() engine.State
	GetCacheHealth(ctx context.Context) (engine.Health, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	engine Lifecycle
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(eng Lifecycle) *HealthHandler {
	return &HealthHandler{engine: eng}
}

// Health handles the /health endpoint (liveness check).
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": "ok"}
	for k, v := range version.Info() {
		body[k] = v
	}
	response.JSON(w, http.StatusOK, body)
}

// Ready handles the /ready endpoint (readiness check). A degraded cache
// still counts as ready because reads fall back to the store.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.engine.State() != engine.StateRunning {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"state": h.engine.State().String(),
		})
		return
	}
	health, err := h.engine.GetCacheHealth(r.Context())
	if err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"ready": true,
		"mode":  health.Mode,
	})
}
