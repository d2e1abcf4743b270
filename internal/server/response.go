package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bennoloeffler/bassi-sub003/internal/session"
	"github.com/bennoloeffler/bassi-sub003/internal/workspace"
	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInvalidName    = "INVALID_NAME"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeBusy           = "SESSION_BUSY"
	ErrCodeExists         = "SESSION_EXISTS"
	ErrCodeTooLarge       = "FILE_TOO_LARGE"
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
	writeErrorWithDetails(w, status, code, message, nil)
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeStoreError maps registry and workspace errors to a status code.
func writeStoreError(w http.ResponseWriter, err error) {
	var tooLarge *workspace.FileTooLargeError
	var invalid *workspace.InvalidNameError
	switch {
	case errors.As(err, &tooLarge):
		writeErrorWithDetails(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, err.Error(),
			map[string]any{"limit": tooLarge.Limit})
	case errors.As(err, &invalid), errors.Is(err, workspace.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidName, err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, workspace.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, session.ErrExists):
		writeError(w, http.StatusConflict, ErrCodeExists, err.Error())
	case errors.Is(err, types.ErrContractViolation):
		writeError(w, http.StatusConflict, ErrCodeBusy, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
