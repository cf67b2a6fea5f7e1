package gateway

import (
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/c360/fleetstream/bridge"
	"github.com/c360/fleetstream/errors"
)

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case stderrors.Is(err, bridge.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsFatal(err):
		return http.StatusInternalServerError
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a message safe to show external clients
func sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case stderrors.Is(err, bridge.ErrEntityNotFound):
		return "entity not found"
	case stderrors.Is(err, errors.ErrInvalidTelemetry):
		return "invalid telemetry"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.IsFatal(err):
		return "internal server error"
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}
