package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goclaw/cadence/pkg/api/response"
	"github.com/goclaw/cadence/pkg/engine"
	"github.com/goclaw/cadence/pkg/logger"
)

// DefaultDueLimit applies when a due query has no limit parameter.
const DefaultDueLimit = 50

// maxBodyBytes caps decoded request bodies.
const maxBodyBytes = 4 << 20

// Scheduler is the read and write path used by the SRS engine.
type Scheduler interface {
	SubmitOutcomes(ctx context.Context, ownerID string, inputs []engine.OutcomeInput) error
	GetDueItems(ctx context.Context, ownerID, seasonID string, now time.Time, limit int) (engine.DueResult, error)
}

// ScheduleHandler serves outcome submission and due queries.
type ScheduleHandler struct {
	engine   Scheduler
	validate *validator.Validate
	logger   logger.Logger
}

// NewScheduleHandler creates a schedule handler.
func NewScheduleHandler(eng Scheduler, log logger.Logger) *ScheduleHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &ScheduleHandler{
		engine:   eng,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Component(log, "api.schedule"),
	}
}

type submitRequest struct {
	Outcomes []engine.OutcomeInput `json:"outcomes" validate:"required,min=1,max=10000"`
}

type submitResponse struct {
	Accepted int `json:"accepted"`
}

// SubmitOutcomes handles POST /owners/{ownerID}/outcomes.
func (h *ScheduleHandler) SubmitOutcomes(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.engine.SubmitOutcomes(r.Context(), ownerID, req.Outcomes); err != nil {
		h.logger.WarnContext(r.Context(), "submit outcomes failed", "owner_id", ownerID, "error", err)
		writeError(w, r, err)
		return
	}
	response.JSON(w, http.StatusAccepted, submitResponse{Accepted: len(req.Outcomes)})
}

// GetDueItems handles GET /owners/{ownerID}/seasons/{seasonID}/due. Query
// parameters: limit (default DefaultDueLimit) and now (RFC 3339).
func (h *ScheduleHandler) GetDueItems(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	seasonID := chi.URLParam(r, "seasonID")

	limit, err := intParam(r, "limit", DefaultDueLimit)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	var now time.Time
	if raw := r.URL.Query().Get("now"); raw != "" {
		if now, err = time.Parse(time.RFC3339, raw); err != nil {
			badRequest(w, r, "now must be an RFC 3339 timestamp")
			return
		}
	}

	res, err := h.engine.GetDueItems(r.Context(), ownerID, seasonID, now, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Degraded {
		w.Header().Set("X-Cadence-Degraded", "true")
	}
	response.JSON(w, http.StatusOK, res)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

type paramError struct {
	name string
}

func (e *paramError) Error() string { return e.name + " must be an integer" }

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &paramError{name: name}
	}
	return n, nil
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
