package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fusion-data/bridge/internal/apikeys"
	"github.com/fusion-data/bridge/internal/assistant"
	"github.com/fusion-data/bridge/internal/auth"
	"github.com/fusion-data/bridge/internal/requests"
	"github.com/fusion-data/bridge/internal/session"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrNoPrincipal):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrMessageNotFound),
		errors.Is(err, requests.ErrNotFound),
		errors.Is(err, apikeys.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrAlreadyLinked),
		errors.Is(err, requests.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, requests.ErrValidation),
		errors.Is(err, assistant.ErrEmptyInput),
		errors.Is(err, apikeys.ErrUnknownProvider),
		errors.Is(err, apikeys.ErrEmptyKey):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeDomainError writes err with its mapped status. Server errors get a
// generic message so internals do not leak.
func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeError(w, status, fallback)
		return
	}
	writeError(w, status, err.Error())
}
