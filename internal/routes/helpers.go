// Package routes is the agent's local HTTP control API.
package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/petervdpas/guardcall/internal/call"
	"github.com/petervdpas/guardcall/internal/signal"
	"github.com/petervdpas/guardcall/internal/storage"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into T before calling fn. An empty body
// leaves T zero.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.ContentLength != 0 {
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&req); err != nil {
				http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}

// statusOf maps call and store errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrStaleSessionConflict),
		errors.Is(err, call.ErrEmergencyResolved):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoActiveCall), errors.Is(err, signal.ErrNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, call.ErrRemoteTerminated):
		return http.StatusGone
	case errors.Is(err, call.ErrMediaAccessDenied):
		return http.StatusUnprocessableEntity
	case errors.Is(err, signal.ErrInvalid), errors.Is(err, signal.ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrSignalingWrite):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusOf(err))
}
