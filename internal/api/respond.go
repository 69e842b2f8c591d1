// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"loopcast/internal/engine"
	"loopcast/internal/media/source"
	"loopcast/internal/store"
)

var errUnauthorized = errors.New("unauthorized")

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response with the given status code.
func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeUnauthorized writes a 401 Unauthorized response.
func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, errUnauthorized)
}

// badRequestError marks handler-level input errors so engineStatus maps
// them to 400 instead of 500.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &badRequestError{msg: msg}
}

// engineStatus maps orchestration and store errors onto HTTP status
// codes. Unknown errors surface as 500.
func engineStatus(err error) int {
	var (
		notFound *source.NotFoundError
		badReq   *badRequestError
	)
	switch {
	case errors.As(err, &badReq):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAlreadyActive), errors.Is(err, engine.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &notFound), errors.Is(err, source.ErrUnsafeRef), errors.Is(err, source.ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
