// Package httputil centralizes the dashboard's JSON envelope and the
// translation from infrastructure errors to HTTP statuses, so handlers never
// re-implement either.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"mihome/pkg/platform/sentinel"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteSuccess writes a 200 response wrapping data in the success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSON writes data in the success envelope with an explicit status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// WriteFailure writes {success:false, error} with the given status.
func WriteFailure(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

// WriteError maps err onto the HTTP status taxonomy and writes the failure
// envelope. Raw transport errors are never leaked to the client.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	WriteFailure(w, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, sentinel.ErrUnauthenticated):
		return http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, sentinel.ErrTransport), errors.Is(err, sentinel.ErrUnavailable):
		return http.StatusServiceUnavailable, "upstream service unreachable"
	}
	if re, ok := sentinel.AsRemote(err); ok {
		return http.StatusInternalServerError, re.Description
	}
	return http.StatusInternalServerError, "internal error"
}
