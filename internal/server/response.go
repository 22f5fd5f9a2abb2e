package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/workdeck-ai/workdeck/internal/session"
	"github.com/workdeck-ai/workdeck/internal/store"
	"github.com/workdeck-ai/workdeck/internal/workspace"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeWorkspaceBusy  = "WORKSPACE_BUSY"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeDomainError maps known domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, workspace.ErrWorkspaceBusy):
		writeError(w, http.StatusConflict, ErrCodeWorkspaceBusy, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
