// Package api implements the control plane's REST surface: job submission
// and query, agent listing, and dead-letter browse/retry/purge, all under
// /api/v1. The core itself is transport-agnostic — this package is the
// collaborator that maps it onto HTTP for external clients.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
)

// envelope is the standard JSON response wrapper for all API responses.
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{"error": errorResponse{Message: message, Code: code}})
}

func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message, "not_found")
}

func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

func ErrUnprocessable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusUnprocessableEntity, message, "validation_error")
}

func ErrServiceUnavailable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusServiceUnavailable, message, "service_unavailable")
}

func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// writeDomainError maps an *orberrors.Error to the HTTP status implied by
// its Kind, per the error taxonomy's submission/cancellation boundary
// propagation policy.
func writeDomainError(w http.ResponseWriter, err error) {
	kind, ok := orberrors.KindOf(err)
	if !ok {
		ErrInternal(w)
		return
	}
	switch kind {
	case orberrors.KindValidation:
		ErrUnprocessable(w, err.Error())
	case orberrors.KindUnknownAgent, orberrors.KindUnknownJob:
		ErrNotFound(w, err.Error())
	case orberrors.KindInvalidState:
		ErrConflict(w, err.Error())
	case orberrors.KindDuplicateInFlight:
		errJSON(w, http.StatusConflict, err.Error(), "duplicate_in_flight")
	case orberrors.KindCircuitOpen:
		ErrServiceUnavailable(w, err.Error())
	default:
		ErrInternal(w)
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
