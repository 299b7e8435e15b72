package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/cadence/pkg/api/response"
)

func TestRecovery_PanicBecomesInternalError(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string", "rehydrate: nil index"},
		{"error", errors.New("archive batch: nil store")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, lines := capture(t)
			r := chi.NewRouter()
			r.Use(RequestID(), Recovery(log))
			r.Post("/admin/v1/seasons/{seasonID}/rebuild", func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			})

			req := httptest.NewRequest(http.MethodPost, "/admin/v1/seasons/S1/rebuild", nil)
			req.Header.Set(HeaderRequestID, "rebuild-S1")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body response.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, response.ErrCodeInternalServer, body.Error.Code)
			assert.Equal(t, "INTERNAL_SERVER_ERROR", body.Error.Code)
			assert.Equal(t, "rebuild-S1", body.Error.RequestID)
			assert.Equal(t, "internal server error", body.Error.Message)

			got := lines()
			require.Len(t, got, 1)
			assert.Equal(t, "Panic recovered", got[0]["message"])
			assert.Equal(t, "ERROR", got[0]["level"])
			assert.Equal(t, "rebuild-S1", got[0]["request_id"])
			assert.Equal(t, "/admin/v1/seasons/S1/rebuild", got[0]["path"])
			assert.NotEmpty(t, got[0]["stack"])
		})
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	log, lines := capture(t)
	h := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":1}`))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/owners/U1/outcomes", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":1}`, rec.Body.String())
	assert.Empty(t, lines())
}

func TestRecovery_RepanicsAbortHandler(t *testing.T) {
	log, _ := capture(t)
	h := Recovery(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/owners/U1/seasons/S1/due", nil))
	})
}
