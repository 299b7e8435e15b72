package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/goclaw/cadence/pkg/api/response"
	"github.com/goclaw/cadence/pkg/logger"
)

// Recovery returns a middleware that turns panics into 500 responses.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rv := recover(); rv != nil {
					if rv == http.ErrAbortHandler {
						panic(rv)
					}
					requestID := GetRequestID(r.Context())
					log.ErrorContext(r.Context(), "Panic recovered",
						"error", rv,
						"path", r.URL.Path,
						"method", r.Method,
						"request_id", requestID,
						"stack", string(debug.Stack()),
					)
					response.Error(w,
						http.StatusInternalServerError,
						response.ErrCodeInternalServer,
						"internal server error",
						requestID,
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
