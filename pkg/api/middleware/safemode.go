package middleware

import (
	"net/http"

	"github.com/goclaw/cadence/pkg/safemode"
)

// SafeMode attaches the safe mode manager to every request context.
func SafeMode(m *safemode.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(safemode.NewContext(r.Context(), m)))
		})
	}
}
