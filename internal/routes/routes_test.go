package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/guardcall/internal/call"
	"github.com/petervdpas/guardcall/internal/media"
	"github.com/petervdpas/guardcall/internal/signal"
	"github.com/petervdpas/guardcall/internal/storage"
)

type fakeCalls struct {
	mu       sync.Mutex
	state    call.State
	started  []call.CallRequest
	ended    map[string]signal.Status
	muted    bool
	startErr error
	stateFn  func(call.State)
	inFn     func(call.Incoming)
}

func (f *fakeCalls) State() call.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCalls) StartCall(_ context.Context, req call.CallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	f.state = call.State{Phase: call.PhaseDialing, CallID: "c1"}
	return "c1", nil
}

func (f *fakeCalls) JoinCall(_ context.Context, id string) error {
	if id != "c1" {
		return fmt.Errorf("%w: %s", call.ErrRemoteTerminated, id)
	}
	return nil
}

func (f *fakeCalls) Decline(ctx context.Context, id string) error {
	return f.EndCall(ctx, id, signal.StatusRejected)
}

func (f *fakeCalls) EndCall(_ context.Context, id string, reason signal.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[id] = reason
	return nil
}

func (f *fakeCalls) ToggleMute(_ context.Context, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.CallID == "" {
		return call.ErrNoActiveCall
	}
	f.muted = muted
	return nil
}

func (f *fakeCalls) ToggleVideo(context.Context, bool) error { return call.ErrNoActiveCall }

func (f *fakeCalls) SwitchCamera(context.Context) (media.Facing, error) {
	return media.FacingEnvironment, nil
}

func (f *fakeCalls) SanitizeStaleCalls(context.Context, string) (int, error) { return 2, nil }

func (f *fakeCalls) OnIncoming(fn func(call.Incoming)) func() {
	f.mu.Lock()
	f.inFn = fn
	f.mu.Unlock()
	return func() {}
}

func (f *fakeCalls) OnStateChange(fn func(call.State)) func() {
	f.mu.Lock()
	f.stateFn = fn
	f.mu.Unlock()
	return func() {}
}

func newServer(t *testing.T) (*httptest.Server, *fakeCalls, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	calls := &fakeCalls{ended: make(map[string]signal.Status)}
	mux := http.NewServeMux()
	Register(mux, Deps{Calls: calls, Data: db, UserID: "bob"})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, calls, db
}

func post(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
	}
	return resp, out
}

func TestStartAndHangup(t *testing.T) {
	ts, calls, _ := newServer(t)

	resp, out := post(t, ts, "/api/call/start",
		`{"receiver_id":"bob","receiver_name":"Bob","context_id":"sos_42","context_type":"sos","video":true}`)
	if resp.StatusCode != http.StatusOK || out["call_id"] != "c1" {
		t.Fatalf("start: %d %v", resp.StatusCode, out)
	}
	if len(calls.started) != 1 || !calls.started[0].Video || calls.started[0].ContextType != signal.ContextSOS {
		t.Fatalf("started = %+v", calls.started)
	}

	// No call_id hangs up the current call.
	resp, out = post(t, ts, "/api/call/hangup", `{}`)
	if resp.StatusCode != http.StatusOK || out["status"] != "ended" {
		t.Fatalf("hangup: %d %v", resp.StatusCode, out)
	}
	if calls.ended["c1"] != signal.StatusEnded {
		t.Fatalf("ended = %v", calls.ended)
	}

	resp, _ = post(t, ts, "/api/call/decline", `{"call_id":"c9"}`)
	if resp.StatusCode != http.StatusOK || calls.ended["c9"] != signal.StatusRejected {
		t.Fatalf("decline: %d %v", resp.StatusCode, calls.ended)
	}
}

func TestErrorStatuses(t *testing.T) {
	ts, calls, _ := newServer(t)

	tests := []struct {
		path, body string
		want       int
	}{
		{"/api/call/start", `{}`, http.StatusBadRequest},
		{"/api/call/start", `{"receiver_id":`, http.StatusBadRequest},
		{"/api/call/start", `{"receiver_id":"x","bogus":1}`, http.StatusBadRequest},
		{"/api/call/accept", `{"call_id":"gone"}`, http.StatusGone},
		{"/api/call/mute", `{"muted":true}`, http.StatusNotFound},
		{"/api/call/video", `{"enabled":false}`, http.StatusNotFound},
		{"/api/call/hangup", `{}`, http.StatusNotFound},
		{"/api/notifications/seen", `{"id":"missing"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, _ := post(t, ts, tt.path, tt.body)
		if resp.StatusCode != tt.want {
			t.Errorf("POST %s %s = %d, want %d", tt.path, tt.body, resp.StatusCode, tt.want)
		}
	}

	calls.startErr = fmt.Errorf("%w: busy", call.ErrBusy)
	if resp, _ := post(t, ts, "/api/call/start", `{"receiver_id":"x"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy start = %d", resp.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/api/call/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET start = %d", resp.StatusCode)
	}
}

func TestCameraAndSanitize(t *testing.T) {
	ts, _, _ := newServer(t)
	if _, out := post(t, ts, "/api/call/camera", ""); out["facing"] != "environment" {
		t.Fatalf("camera = %v", out)
	}
	if _, out := post(t, ts, "/api/call/sanitize", ""); out["deleted"] != float64(2) {
		t.Fatalf("sanitize = %v", out)
	}
}

func TestNotificationsAndTimeline(t *testing.T) {
	ts, _, db := newServer(t)
	now := time.Now()
	for _, n := range []storage.Notification{
		{ID: "missed_1", ToUserID: "bob", FromUserID: "alice", FromName: "Alice", Type: "missed_call", CallID: "1", Message: "Missed call from Alice", CreatedAt: now},
		{ID: "missed_2", ToUserID: "carol", FromUserID: "alice", Type: "missed_call", CallID: "2", CreatedAt: now},
	} {
		if err := db.PutNotification(n); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AppendTimeline(storage.TimelineEntry{ContextID: "sos_42", ContextType: "sos", Action: "Call Started", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	var list []storage.Notification
	getJSON(t, ts.URL+"/api/notifications?unseen=1", &list)
	if len(list) != 1 || list[0].ID != "missed_1" {
		t.Fatalf("notifications = %+v", list)
	}

	if resp, _ := post(t, ts, "/api/notifications/seen", `{"id":"missed_1"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("seen = %d", resp.StatusCode)
	}
	getJSON(t, ts.URL+"/api/notifications?unseen=1", &list)
	if len(list) != 0 {
		t.Fatalf("unseen after MarkSeen = %+v", list)
	}

	var timeline []storage.TimelineEntry
	getJSON(t, ts.URL+"/api/timeline?context_id=sos_42", &timeline)
	if len(timeline) != 1 || timeline[0].Action != "Call Started" {
		t.Fatalf("timeline = %+v", timeline)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestEventsStream(t *testing.T) {
	ts, calls, _ := newServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/call/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var names []string
	for sc.Scan() && len(names) < 3 {
		line := sc.Text()
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		names = append(names, strings.TrimPrefix(line, "event: "))
		if len(names) == 1 {
			calls.mu.Lock()
			stateFn, inFn := calls.stateFn, calls.inFn
			calls.mu.Unlock()
			inFn(call.Incoming{ID: "c2", CallerID: "alice"})
			stateFn(call.State{Phase: call.PhaseIncoming, CallID: "c2"})
		}
	}
	want := []string{"state", "incoming", "state"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", names, want)
	}
}
