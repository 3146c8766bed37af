package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/types"
)

func TestError_Mapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
		wantDetails bool
	}{
		{
			name: "validation with details",
			err: types.NewAppErrorWithDetails(types.ErrCodeValidationOutOfRange, "resolution too coarse", nil,
				map[string]any{"max": 100}),
			wantStatus:  http.StatusBadRequest,
			wantCode:    string(types.ErrCodeValidationOutOfRange),
			wantMessage: "resolution too coarse",
			wantDetails: true,
		},
		{
			name:        "wrapped app error",
			err:         fmt.Errorf("handler: %w", types.NewAppError(types.ErrCodeRateLimit, "slow down", nil)),
			wantStatus:  http.StatusTooManyRequests,
			wantCode:    string(types.ErrCodeRateLimit),
			wantMessage: "slow down",
		},
		{
			name:        "internal app error hides message",
			err:         types.NewAppError(types.ErrCodeInternalUnexpected, "nil pointer in cache key", nil),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    string(types.ErrCodeInternalUnexpected),
			wantMessage: genericInternalMessage,
		},
		{
			name:        "plain error",
			err:         errors.New("disk full"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    string(types.ErrCodeInternalUnexpected),
			wantMessage: genericInternalMessage,
		},
		{
			name:        "deadline",
			err:         fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    string(types.ErrCodeUpstreamTimeout),
			wantMessage: "request timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(types.WithRequestID(req.Context(), "req-err"))
			rec := httptest.NewRecorder()

			Error(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			detail := decodeError(t, rec.Body.Bytes())
			assert.Equal(t, tt.wantCode, detail.Code)
			assert.Equal(t, tt.wantMessage, detail.Message)
			assert.Equal(t, "req-err", detail.RequestID)
			assert.Equal(t, tt.wantDetails, detail.Details != nil)
		})
	}
}

func TestJSON_UnmarshalableFallsBackTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, map[string]any{"c": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), decodeError(t, rec.Body.Bytes()).Code)
}

type geotiffJobBody struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Year int     `json:"year"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantErr     bool
		wantMessage string
	}{
		{name: "valid", body: `{"lat":52.1,"lon":71.4,"year":2024}`},
		{name: "empty", body: ``, wantErr: true, wantMessage: "request body must not be empty"},
		{name: "syntax", body: `{"lat":`, wantErr: true, wantMessage: "invalid JSON in request body"},
		{name: "malformed", body: `{"lat" 1}`, wantErr: true, wantMessage: "malformed JSON in request body"},
		{name: "wrong type", body: `{"year":"2024"}`, wantErr: true, wantMessage: "invalid value for field"},
		{name: "unknown field", body: `{"lat":1,"zoom":3}`, wantErr: true, wantMessage: `unknown field in request body: "zoom"`},
		{name: "two values", body: `{"lat":1}{"lat":2}`, wantErr: true, wantMessage: "request body must contain a single JSON object"},
		{name: "too large", body: `{"lat":1,"pad":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, wantErr: true, wantMessage: "request body must not exceed 1MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst geotiffJobBody
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, geotiffJobBody{Lat: 52.1, Lon: 71.4, Year: 2024}, dst)
				return
			}
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeValidationInvalidJSON, appErr.Code)
			assert.Equal(t, tt.wantMessage, appErr.Message)
		})
	}
}
