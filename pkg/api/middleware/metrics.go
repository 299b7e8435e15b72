package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// MetricsRecorder records HTTP request metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration)
}

// Metrics returns a middleware that records HTTP metrics labelled by the
// matched chi route pattern, keeping path cardinality bounded.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			defer func() {
				status := rec.statusCode
				rv := recover()
				if rv != nil {
					status = http.StatusInternalServerError
				}
				route := matchedRoute(r)
				if route == "" {
					route = "unmatched"
				}
				recorder.RecordHTTPRequest(r.Context(), r.Method, route, strconv.Itoa(status), time.Since(start))
				if rv != nil {
					panic(rv)
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
