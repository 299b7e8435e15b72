package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/goclaw/cadence/pkg/api/middleware"
	"github.com/goclaw/cadence/pkg/api/response"
	"github.com/goclaw/cadence/pkg/archive"
	"github.com/goclaw/cadence/pkg/cache"
	"github.com/goclaw/cadence/pkg/engine"
	"github.com/goclaw/cadence/pkg/partition"
	"github.com/goclaw/cadence/pkg/safemode"
	"github.com/goclaw/cadence/pkg/schedule"
	"github.com/goclaw/cadence/pkg/storage"
)

// statusFor maps domain errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	var ve validator.ValidationErrors
	switch {
	case schedule.IsValidationError(err), errors.As(err, &ve):
		return http.StatusBadRequest, response.ErrCodeValidationFailed
	case errors.Is(err, archive.ErrConfirmationRequired):
		return http.StatusBadRequest, response.ErrCodeConfirmationRequired
	case safemode.IsRateLimited(err):
		return http.StatusTooManyRequests, response.ErrCodeRateLimited
	case storage.IsNotFound(err):
		return http.StatusNotFound, response.ErrCodeNotFound
	case errors.Is(err, partition.ErrUnavailable),
		errors.Is(err, partition.ErrNotEmpty),
		errors.Is(err, archive.ErrSeasonActive),
		storage.IsDuplicateKey(err):
		return http.StatusConflict, response.ErrCodeConflict
	case errors.Is(err, engine.ErrDegraded), cache.IsUnreachable(err), storage.IsUnavailable(err):
		return http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout
	default:
		return http.StatusInternalServerError, response.ErrCodeInternalServer
	}
}

// writeError renders err as the standard error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	requestID := middleware.GetRequestID(r.Context())

	var rl *safemode.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		response.ErrorWithDetails(w, status, code, err.Error(), map[string]any{"scope": rl.Scope}, requestID)
		return
	}

	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make(map[string]any, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fe.Tag()
		}
		response.ErrorWithDetails(w, status, code, "request validation failed", fields, requestID)
		return
	}

	response.Error(w, status, code, err.Error(), requestID)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, msg, middleware.GetRequestID(r.Context()))
}
