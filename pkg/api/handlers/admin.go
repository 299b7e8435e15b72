package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goclaw/cadence/pkg/api/response"
	"github.com/goclaw/cadence/pkg/archive"
	"github.com/goclaw/cadence/pkg/engine"
	"github.com/goclaw/cadence/pkg/logger"
	"github.com/goclaw/cadence/pkg/persist"
	"github.com/goclaw/cadence/pkg/reconcile"
	"github.com/goclaw/cadence/pkg/rehydrate"
	"github.com/goclaw/cadence/pkg/safemode"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

// Admin is the operational surface of the engine.
type Admin interface {
	RebuildSeasonCache(ctx context.Context, seasonID string, onProgress rehydrate.ProgressFunc) (rehydrate.Progress, error)
	GetCacheHealth(ctx context.Context) (engine.Health, error)
	TriggerReconciliation(ctx context.Context, sampleSize int) (reconcile.Report, error)
	ArchiveSeason(ctx context.Context, seasonID string, confirm bool) (archive.Result, error)
	CreateSeason(ctx context.Context, in engine.SeasonInput) (schedule.Season, error)
	DeactivateSeason(ctx context.Context, seasonID string) (schedule.Season, error)
	ListSeasons(ctx context.Context, active *bool) ([]schedule.Season, error)
	ReplayDeadLetters(ctx context.Context, limit int) (persist.ReplayResult, error)
	FlagExpiredArchives(ctx context.Context) (int, error)
	PurgeArchive(ctx context.Context, seasonID string, confirm bool) (int, error)
	ReclaimPartition(ctx context.Context, seasonID string) error
	ListPartitions(ctx context.Context) ([]storage.Partition, error)
	SafeModeHistory(ctx context.Context) []safemode.Transition
}

// AdminHandler serves the /admin/v1 routes.
type AdminHandler struct {
	engine   Admin
	validate *validator.Validate
	logger   logger.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(eng Admin, log logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AdminHandler{
		engine:   eng,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Component(log, "api.admin"),
	}
}

// CreateSeason handles POST /seasons.
func (h *AdminHandler) CreateSeason(w http.ResponseWriter, r *http.Request) {
	var in engine.SeasonInput
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(in); err != nil {
		writeError(w, r, err)
		return
	}
	season, err := h.engine.CreateSeason(r.Context(), in)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "create season failed", "season_id", in.ID, "error", err)
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusCreated, season)
}

// ListSeasons handles GET /seasons?active=true|false.
func (h *AdminHandler) ListSeasons(w http.ResponseWriter, r *http.Request) {
	var active *bool
	switch r.URL.Query().Get("active") {
	case "":
	case "true":
		v := true
		active = &v
	case "false":
		v := false
		active = &v
	default:
		badRequest(w, r, "active must be true or false")
		return
	}
	seasons, err := h.engine.ListSeasons(r.Context(), active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if seasons == nil {
		seasons = []schedule.Season{}
	}
	response.JSON(w, http.StatusOK, map[string]any{"seasons": seasons})
}

// DeactivateSeason handles POST /seasons/{seasonID}/deactivate.
func (h *AdminHandler) DeactivateSeason(w http.ResponseWriter, r *http.Request) {
	season, err := h.engine.DeactivateSeason(r.Context(), chi.URLParam(r, "seasonID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, season)
}

// RebuildSeason handles POST /seasons/{seasonID}/rebuild.
func (h *AdminHandler) RebuildSeason(w http.ResponseWriter, r *http.Request) {
	seasonID := chi.URLParam(r, "seasonID")
	progress, err := h.engine.RebuildSeasonCache(r.Context(), seasonID, func(p rehydrate.Progress) {
		h.logger.DebugContext(r.Context(), "rebuild progress",
			"season_id", p.SeasonID, "records", p.Records, "percent", p.Percent)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, progress)
}

// ArchiveSeason handles POST /seasons/{seasonID}/archive?confirm=true.
func (h *AdminHandler) ArchiveSeason(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ArchiveSeason(r.Context(), chi.URLParam(r, "seasonID"), boolParam(r, "confirm"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// FlagExpiredArchives handles POST /archive/flag.
func (h *AdminHandler) FlagExpiredArchives(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.FlagExpiredArchives(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int{"flagged": n})
}

// PurgeArchive handles DELETE /archive/{seasonID}?confirm=true.
func (h *AdminHandler) PurgeArchive(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.PurgeArchive(r.Context(), chi.URLParam(r, "seasonID"), boolParam(r, "confirm"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]int{"purged": n})
}

// ListPartitions handles GET /partitions.
func (h *AdminHandler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	parts, err := h.engine.ListPartitions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if parts == nil {
		parts = []storage.Partition{}
	}
	response.JSON(w, http.StatusOK, map[string]any{"partitions": parts})
}

// ReclaimPartition handles DELETE /partitions/{seasonID}.
func (h *AdminHandler) ReclaimPartition(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ReclaimPartition(r.Context(), chi.URLParam(r, "seasonID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CacheHealth handles GET /cache/health.
func (h *AdminHandler) CacheHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.engine.GetCacheHealth(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, health)
}

// TriggerReconciliation handles POST /reconciliation?sample_size=N.
func (h *AdminHandler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	size, err := intParam(r, "sample_size", 0)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	report, err := h.engine.TriggerReconciliation(r.Context(), size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if report.Status == reconcile.StatusSkipped {
		status = http.StatusAccepted
	}
	response.JSON(w, status, report)
}

// ReplayDeadLetters handles POST /dead-letters/replay?limit=N.
func (h *AdminHandler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := h.engine.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// SafeModeHistory handles GET /safe-mode/history.
func (h *AdminHandler) SafeModeHistory(w http.ResponseWriter, r *http.Request) {
	history := h.engine.SafeModeHistory(r.Context())
	if history == nil {
		history = []safemode.Transition{}
	}
	response.JSON(w, http.StatusOK, map[string]any{"transitions": history})
}
