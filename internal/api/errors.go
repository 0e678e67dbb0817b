// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/certa-qa/userpool/internal/domain/pool/model"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`

	// Shortage context, present on acquisition timeouts.
	Role      string `json:"role,omitempty"`
	Required  int    `json:"required,omitempty"`
	Available int    `json:"available,omitempty"`
}

// writeDomainError maps coordinator errors to HTTP statuses:
// invalid input 400, duplicate execution 409, acquisition timeout 408,
// unknown resource 404, unreachable store 503.
func writeDomainError(w http.ResponseWriter, err error) {
	var timedOut *model.AcquisitionTimedOutError
	switch {
	case errors.Is(err, model.ErrInvalidRequirements):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_requirements", Detail: err.Error()})
	case errors.Is(err, model.ErrDuplicateExecution):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "duplicate_execution", Detail: err.Error()})
	case errors.As(err, &timedOut):
		writeJSON(w, http.StatusRequestTimeout, errorResponse{
			Error:     "acquisition_timed_out",
			Detail:    err.Error(),
			Role:      timedOut.Role,
			Required:  timedOut.Required,
			Available: timedOut.Available,
		})
	case errors.Is(err, model.ErrExecutionNotFound), errors.Is(err, model.ErrEntityNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: err.Error()})
	case errors.Is(err, model.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store_unavailable", Detail: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", Detail: err.Error()})
	}
}

// writeBadRequest writes a 400 for malformed request bodies.
func writeBadRequest(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Detail: detail})
}

// writeNotFound writes a 404 Not Found response.
func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
}
