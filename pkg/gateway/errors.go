package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/store"
)

// ErrorResponse is the uniform error body. Validation errors carry the
// failing field path in Error; blocked resolutions carry the blocker ids.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Code      int      `json:"code"`
	BlockedBy []string `json:"blockedBy,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Code: code})
}

// writeServiceError maps the core error taxonomy onto status codes:
// validation 400, unauthorized 401, not found 404, conflict 409, capacity
// 429, everything else 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case store.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case store.IsConflict(err):
		var ce *store.ConflictError
		errors.As(err, &ce)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     err.Error(),
			Code:      http.StatusConflict,
			BlockedBy: ce.BlockedBy,
		})
	case store.IsCapacity(err):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		logger.ErrorCF("gateway", "internal error", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
