package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sidequest/sidequest/internal/executor"
	"github.com/sidequest/sidequest/internal/job"
	"github.com/sidequest/sidequest/internal/store"
)

// Error codes surfaced in the error envelope.
const (
	codeInvalidID    = "INVALID_ID"
	codeValidation   = "VALIDATION"
	codeNotFound     = "NOT_FOUND"
	codeConflict     = "CONFLICT"
	codeUnauthorized = "UNAUTHORIZED"
	codeRateLimited  = "RATE_LIMITED"
	codeUnavailable  = "UNAVAILABLE"
	codeInternal     = "INTERNAL"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Message: message, Code: code}})
}

// respondError maps domain errors onto the HTTP surface.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidID):
		writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, executor.ErrUnknownPipeline):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, executor.ErrConflict):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, executor.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}
