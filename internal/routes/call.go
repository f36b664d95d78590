package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/guardcall/internal/call"
	"github.com/petervdpas/guardcall/internal/logbuf"
	"github.com/petervdpas/guardcall/internal/media"
	"github.com/petervdpas/guardcall/internal/signal"
)

// Calls is the part of call.Coordinator the API drives.
type Calls interface {
	State() call.State
	StartCall(ctx context.Context, req call.CallRequest) (string, error)
	JoinCall(ctx context.Context, id string) error
	Decline(ctx context.Context, id string) error
	EndCall(ctx context.Context, id string, reason signal.Status) error
	ToggleMute(ctx context.Context, muted bool) error
	ToggleVideo(ctx context.Context, enabled bool) error
	SwitchCamera(ctx context.Context) (media.Facing, error)
	SanitizeStaleCalls(ctx context.Context, userID string) (int, error)
	OnIncoming(fn func(call.Incoming)) func()
	OnStateChange(fn func(call.State)) func()
}

type startRequest struct {
	ReceiverID   string             `json:"receiver_id"`
	ReceiverName string             `json:"receiver_name"`
	ReceiverRole string             `json:"receiver_role"`
	ContextID    string             `json:"context_id"`
	ContextType  signal.ContextType `json:"context_type"`
	Video        bool               `json:"video"`
}

type callIDRequest struct {
	CallID string `json:"call_id"`
}

type hangupRequest struct {
	CallID string        `json:"call_id"`
	Reason signal.Status `json:"reason"`
}

// RegisterCall mounts the call control endpoints.
func RegisterCall(mux *http.ServeMux, calls Calls) {
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.State())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req startRequest) {
		if req.ReceiverID == "" {
			http.Error(w, "missing receiver_id", http.StatusBadRequest)
			return
		}
		id, err := calls.StartCall(r.Context(), call.CallRequest{
			ReceiverID:   req.ReceiverID,
			ReceiverName: req.ReceiverName,
			ReceiverRole: req.ReceiverRole,
			ContextID:    req.ContextID,
			ContextType:  req.ContextType,
			Video:        req.Video,
		})
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ringing", "call_id": id})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req callIDRequest) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := calls.JoinCall(r.Context(), req.CallID); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req callIDRequest) {
		if req.CallID == "" {
			http.Error(w, "missing call_id", http.StatusBadRequest)
			return
		}
		if err := calls.Decline(r.Context(), req.CallID); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected", "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req hangupRequest) {
		if req.CallID == "" {
			req.CallID = calls.State().CallID
		}
		if req.CallID == "" {
			http.Error(w, "no call to hang up", http.StatusNotFound)
			return
		}
		if req.Reason == "" {
			req.Reason = signal.StatusEnded
		}
		if err := calls.EndCall(r.Context(), req.CallID, req.Reason); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": string(req.Reason), "call_id": req.CallID})
	})

	handlePost(mux, "/api/call/mute", func(w http.ResponseWriter, r *http.Request, req struct {
		Muted bool `json:"muted"`
	}) {
		if err := calls.ToggleMute(r.Context(), req.Muted); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": req.Muted})
	})

	handlePost(mux, "/api/call/video", func(w http.ResponseWriter, r *http.Request, req struct {
		Enabled bool `json:"enabled"`
	}) {
		if err := calls.ToggleVideo(r.Context(), req.Enabled); err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video_enabled": req.Enabled})
	})

	handlePost(mux, "/api/call/camera", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		facing, err := calls.SwitchCamera(r.Context())
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]string{"facing": string(facing)})
	})

	handlePost(mux, "/api/call/sanitize", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		n, err := calls.SanitizeStaleCalls(r.Context(), "")
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, map[string]int{"deleted": n})
	})

	// GET /api/call/events (Server-Sent Events): the current state first,
	// then "state" and "incoming" events as they happen.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		type event struct {
			name string
			data any
		}
		events := signal.NewFeed[event]()
		defer events.Close()
		stopState := calls.OnStateChange(func(s call.State) { events.Push(event{"state", s}) })
		defer stopState()
		stopIncoming := calls.OnIncoming(func(in call.Incoming) { events.Push(event{"incoming", in}) })
		defer stopIncoming()

		logbuf.WriteSSE(w, "state", calls.State())
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events.C():
				if !ok {
					return
				}
				logbuf.WriteSSE(w, ev.name, ev.data)
				flusher.Flush()
			}
		}
	})
}
