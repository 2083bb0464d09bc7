// Package api provides HTTP handlers for the study API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/allocation-study/internal/domain"
)

const (
	reloadMessage  = "We could not save your progress. Please reload the page to try again."
	restartMessage = "Something went wrong with your session. Please restart the study."
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorCode writes a JSON error response carrying a machine-readable code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]string{"error": message, "code": code})
}

// WriteError maps a domain error to its HTTP response. Validation messages
// are shown to the participant; everything else gets a generic prompt.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		slog.Error("Unclassified error", "error", err, "path", r.URL.Path)
		ErrorCode(w, http.StatusInternalServerError, "internal", restartMessage)
		return
	}

	switch de.Kind {
	case domain.KindValidation:
		slog.Debug("Rejected request", "code", de.Code, "message", de.Message, "path", r.URL.Path)
		ErrorCode(w, http.StatusUnprocessableEntity, de.Code, de.Message)
	case domain.KindPersistence:
		slog.Error("Storage failure", "error", err, "path", r.URL.Path)
		ErrorCode(w, http.StatusServiceUnavailable, de.Code, reloadMessage)
	default:
		slog.Error("Request failed", "kind", de.Kind.String(), "error", err, "path", r.URL.Path)
		ErrorCode(w, http.StatusInternalServerError, de.Code, restartMessage)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		ErrorCode(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON")
		return false
	}
	return true
}
