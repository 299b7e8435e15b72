package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		data     any
		wantBody string
	}{
		{"due items", http.StatusOK, map[string][]string{"items": {"A", "B"}}, `{"items":["A","B"]}`},
		{"accepted", http.StatusAccepted, map[string]int{"accepted": 3}, `{"accepted":3}`},
		{"no content", http.StatusNoContent, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			JSON(rec, tt.status, tt.data)

			assert.Equal(t, tt.status, rec.Code)
			if tt.data == nil {
				assert.Empty(t, rec.Body.String())
				return
			}
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, ErrCodeConflict, "season S9 has no partition", "req-1")

	assert.Equal(t, http.StatusConflict, rec.Code)
	got := decodeError(t, rec)
	assert.Equal(t, ErrCodeConflict, got.Code)
	assert.Equal(t, "season S9 has no partition", got.Message)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Nil(t, got.Details)
}

func TestErrorWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorWithDetails(rec, http.StatusTooManyRequests, ErrCodeRateLimited, "slow down",
		map[string]any{"scope": "owner"}, "req-789")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	got := decodeError(t, rec)
	assert.Equal(t, "owner", got.Details["scope"])
	assert.Equal(t, "req-789", got.RequestID)
}

func TestErrorCodeFromStatus(t *testing.T) {
	cases := map[int]string{
		http.StatusBadRequest:          ErrCodeBadRequest,
		http.StatusNotFound:            ErrCodeNotFound,
		http.StatusMethodNotAllowed:    ErrCodeMethodNotAllowed,
		http.StatusConflict:            ErrCodeConflict,
		http.StatusTooManyRequests:     ErrCodeRateLimited,
		http.StatusServiceUnavailable:  ErrCodeServiceUnavailable,
		http.StatusGatewayTimeout:      ErrCodeGatewayTimeout,
		http.StatusInternalServerError: ErrCodeInternalServer,
		999:                            ErrCodeInternalServer,
	}
	for status, want := range cases {
		assert.Equal(t, want, ErrorCodeFromStatus(status), "status %d", status)
	}
}
