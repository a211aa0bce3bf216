package handlers

import (
	"net/http"

	"github.com/maumercado/task-queue-go/internal/apperr"
)

// ErrorResponse is the JSON shape returned for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// httpStatusForKind maps an apperr.Kind to the HTTP status the
// operations surface's error kinds correspond to, per spec.md §7.
func httpStatusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.InvalidTransition, apperr.NotReady, apperr.Conflict:
		return http.StatusConflict
	case apperr.QueueFull, apperr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
