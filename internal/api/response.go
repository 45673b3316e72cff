// Package api implements the REST surface: one chi router, middleware for
// request identity, security headers, CORS and rate limiting, and a handler
// file per resource. Handlers see typed results from the domain packages and
// are the single place where those map to HTTP status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes the standard error body {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

func unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "authentication required")
}

func forbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "insufficient permissions")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "resource not found")
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "an internal error occurred")
}

// repoError maps the common repository errors; anything unrecognised is a 500.
func repoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		notFound(w)
	case errors.Is(err, repositories.ErrConflict):
		writeError(w, http.StatusConflict, "resource already exists")
	default:
		internalError(w)
	}
}

// decodeJSON decodes the request body into dst with a 1 MiB cap. Returns
// false after writing the error response, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// listEnvelope is the shape of every paginated list response.
type listEnvelope struct {
	Items any   `json:"items"`
	Total int64 `json:"total"`
}
