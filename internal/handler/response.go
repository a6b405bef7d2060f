package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON / writeError so the API has one
// success shape and one error shape:
//
//	{"error": "precondition_failed", "message": "resource has been modified; ...", "field": ""}
//
// The service layer never sees HTTP status codes; writeError is the single
// place where domain errors become statuses.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/identity-service/internal/apperror"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Offending input field, when there is one
}

// writeJSON sends a JSON response with the given status code.
//
// Headers (Content-Type, ETag, Location) must be set before this is called:
// once the status line is written, later header changes are ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps the apperror sentinels onto HTTP.
//
// errors.Is walks the whole chain, so a service error wrapped as
// fmt.Errorf("replacing user x: %w", apperror.PreconditionFailed(...)) still
// lands on 412.
var errorStatus = []struct {
	target error
	status int
	kind   string
}{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrPreconditionRequired, http.StatusPreconditionRequired, "precondition_required"},
	{apperror.ErrPreconditionFailed, http.StatusPreconditionFailed, "precondition_failed"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrConflict, http.StatusConflict, "conflict"},
	{apperror.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
	{apperror.ErrUpstream, http.StatusBadGateway, "bad_gateway"},
	{apperror.ErrUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, m := range errorStatus {
			if errors.Is(err, m.target) {
				writeJSON(w, m.status, ErrorResponse{
					Error:   m.kind,
					Message: appErr.Message,
					Field:   appErr.Field,
				})
				return
			}
		}
	}

	// Unknown error: never leak SQL, paths or upstream bodies to the client.
	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// writeTagged sends a representation with its ETag, or 304 with no body
// when the client's If-None-Match already names that ETag.
func writeTagged(w http.ResponseWriter, r *http.Request, status int, etagValue string, data any) {
	w.Header().Set("ETag", etagValue)
	if r.Method == http.MethodGet && notModified(r, etagValue) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, status, data)
}
