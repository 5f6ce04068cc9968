package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/star/geoanchor/internal/anchor"
	"github.com/star/geoanchor/internal/convert"
	"github.com/star/geoanchor/internal/georef"
	"github.com/star/geoanchor/internal/registry"
)

// maxBodyBytes bounds request bodies. Convert batches are the largest.
const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrExists), errors.Is(err, anchor.ErrReentrantSettle):
		return http.StatusConflict
	case errors.Is(err, anchor.ErrNoGeoreference):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrInvalidSpec),
		errors.Is(err, registry.ErrInvalidSnapMode),
		errors.Is(err, anchor.ErrInvalidPosition),
		errors.Is(err, georef.ErrInvalidOrigin),
		errors.Is(err, convert.ErrUnknownDirection),
		errors.Is(err, convert.ErrNoPoints),
		errors.Is(err, convert.ErrTooManyPoints):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err with its mapped status. Server errors are
// logged; their details are not returned.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body into v, rejecting unknown fields and trailing data.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}
