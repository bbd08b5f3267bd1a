package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/provider"
	"github.com/p-arndt/kapsel/internal/rpc"
	"github.com/p-arndt/kapsel/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "package not loaded",
			err:        fmt.Errorf("%w: demo", provider.ErrNotLoaded),
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodePackageNotLoaded,
		},
		{
			name:       "store not found",
			err:        fmt.Errorf("wrap: %w", store.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   ErrCodeContainerNotFound,
		},
		{
			name:       "call timeout",
			err:        fmt.Errorf("execute: %w", rpc.ErrTimeout),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   ErrCodeGuestTimeout,
		},
		{
			name:       "deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   ErrCodeGuestTimeout,
		},
		{
			name:       "transport gone",
			err:        fmt.Errorf("execute: %w", rpc.ErrTransport),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrCodeGuestUnavailable,
		},
		{
			name:       "container unhealthy",
			err:        host.ErrNotHealthy,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrCodeGuestUnavailable,
		},
		{
			name:       "provider closed",
			err:        provider.ErrClosed,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   ErrCodeShuttingDown,
		},
		{
			name:       "remote failure",
			err:        fmt.Errorf("execute: %w", &rpc.RemoteError{Method: "Execute", Message: "boom"}),
			wantStatus: http.StatusBadGateway,
			wantCode:   ErrCodePluginFailed,
		},
		{
			name:       "generic error",
			err:        fmt.Errorf("something went wrong"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   ErrCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeAPIError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var apiErr APIError
			require.NoError(t, decodeBody(rec, &apiErr))
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.NotEmpty(t, apiErr.Message)
		})
	}
}

func TestWriteAPIError_RemoteDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAPIError(rec, &rpc.RemoteError{Method: "Execute", Message: "boom"})

	var apiErr APIError
	require.NoError(t, decodeBody(rec, &apiErr))
	assert.Equal(t, "Execute", apiErr.Details["method"])
	assert.Contains(t, apiErr.Message, "boom")
}

func TestWriteValidationError(t *testing.T) {
	rec := httptest.NewRecorder()
	details := map[string]any{"field": "package"}
	writeValidationError(rec, "package is required", details)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	require.NoError(t, decodeBody(rec, &apiErr))
	assert.Equal(t, ErrCodeInvalidRequest, apiErr.Code)
	assert.Equal(t, "package is required", apiErr.Message)
	assert.Equal(t, "package", apiErr.Details["field"])
}

func TestWriteUnauthorizedError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeUnauthorizedError(rec, "invalid api key")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var apiErr APIError
	require.NoError(t, decodeBody(rec, &apiErr))
	assert.Equal(t, ErrCodeUnauthorized, apiErr.Code)
	assert.Equal(t, "invalid api key", apiErr.Message)
}

func decodeBody(rec *httptest.ResponseRecorder, v any) error {
	return json.NewDecoder(rec.Body).Decode(v)
}
