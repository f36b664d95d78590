package routes

import (
	"net/http"

	"github.com/petervdpas/guardcall/internal/storage"
)

// Data is the agent's local record store.
type Data interface {
	Notifications(userID string, unseenOnly bool) ([]storage.Notification, error)
	MarkSeen(userID, id string) error
	Timeline(contextID string) ([]storage.TimelineEntry, error)
}

// RegisterData mounts the notification and timeline endpoints for userID.
func RegisterData(mux *http.ServeMux, data Data, userID string) {
	handleGet(mux, "/api/notifications", func(w http.ResponseWriter, r *http.Request) {
		list, err := data.Notifications(userID, r.URL.Query().Get("unseen") == "1")
		if err != nil {
			fail(w, err)
			return
		}
		if list == nil {
			list = []storage.Notification{}
		}
		writeJSON(w, list)
	})

	handlePost(mux, "/api/notifications/seen", func(w http.ResponseWriter, r *http.Request, req struct {
		ID string `json:"id"`
	}) {
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := data.MarkSeen(userID, req.ID); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "seen", "id": req.ID})
	})

	handleGet(mux, "/api/timeline", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("context_id")
		if id == "" {
			http.Error(w, "missing context_id", http.StatusBadRequest)
			return
		}
		list, err := data.Timeline(id)
		if err != nil {
			fail(w, err)
			return
		}
		if list == nil {
			list = []storage.TimelineEntry{}
		}
		writeJSON(w, list)
	})
}
