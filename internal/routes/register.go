package routes

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/guardcall/internal/logbuf"
)

type Deps struct {
	Calls  Calls
	Data   Data
	UserID string
	Logs   *logbuf.LogBuffer
}

// Register mounts every agent endpoint on mux.
func Register(mux *http.ServeMux, d Deps) {
	RegisterCall(mux, d.Calls)
	if d.Data != nil {
		RegisterData(mux, d.Data, d.UserID)
	}
	if d.Logs != nil {
		d.Logs.Register(mux)
	}
	mux.Handle("/metrics", promhttp.Handler())
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "user_id": d.UserID, "phase": d.Calls.State().Phase})
	})
}
