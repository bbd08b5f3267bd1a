package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/kapsel/internal/host"
	"github.com/p-arndt/kapsel/internal/provider"
	"github.com/p-arndt/kapsel/internal/rpc"
	"github.com/p-arndt/kapsel/internal/store"
)

// Error codes returned in API responses
const (
	ErrCodePackageNotLoaded  = "PACKAGE_NOT_LOADED"
	ErrCodeContainerNotFound = "CONTAINER_NOT_FOUND"
	ErrCodeGuestTimeout      = "GUEST_TIMEOUT"
	ErrCodeGuestUnavailable  = "GUEST_UNAVAILABLE"
	ErrCodePluginFailed      = "PLUGIN_FAILED"
	ErrCodeShuttingDown      = "SHUTTING_DOWN"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	apiErr := APIError{Code: code, Message: err.Error()}

	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		apiErr.Details = map[string]any{"method": remote.Method}
	}
	writeJSON(w, status, apiErr)
}

func classify(err error) (string, int) {
	var remote *rpc.RemoteError
	switch {
	case errors.Is(err, provider.ErrNotLoaded):
		return ErrCodePackageNotLoaded, http.StatusNotFound
	case errors.Is(err, store.ErrNotFound):
		return ErrCodeContainerNotFound, http.StatusNotFound
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeGuestTimeout, http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrTransport), errors.Is(err, host.ErrNotHealthy):
		return ErrCodeGuestUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrClosed):
		return ErrCodeShuttingDown, http.StatusServiceUnavailable
	case errors.As(err, &remote):
		return ErrCodePluginFailed, http.StatusBadGateway
	default:
		return ErrCodeInternalError, http.StatusInternalServerError
	}
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
