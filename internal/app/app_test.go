package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/guardcall/internal/call"
	"github.com/petervdpas/guardcall/internal/config"
	"github.com/petervdpas/guardcall/internal/signal"
	"github.com/petervdpas/guardcall/internal/storage"
)

func openRecords(t *testing.T) (records, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return records{db: db}, db
}

func TestEmergencyStatusUnknownIsOpen(t *testing.T) {
	r, db := openRecords(t)
	ctx := context.Background()

	st, err := r.EmergencyStatus(ctx, "sos_1")
	if err != nil || st.Resolved {
		t.Fatalf("unknown emergency: %+v, %v", st, err)
	}

	if err := db.SetEmergencyResolved("sos_1", true); err != nil {
		t.Fatal(err)
	}
	st, err = r.EmergencyStatus(ctx, "sos_1")
	if err != nil || !st.Resolved {
		t.Fatalf("resolved emergency: %+v, %v", st, err)
	}
}

func TestTimelineEntries(t *testing.T) {
	r, db := openRecords(t)
	ctx := context.Background()

	if err := r.AppendTimelineEntry(ctx, "walk_7", signal.ContextSafeWalk, "Video Call Started", "Alice → Bob"); err != nil {
		t.Fatal(err)
	}
	got, err := db.Timeline("walk_7")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("timeline = %+v", got)
	}
	e := got[0]
	if e.ContextType != string(signal.ContextSafeWalk) || e.Action != "Video Call Started" || e.Note != "Alice → Bob" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestNotificationsAreIdempotent(t *testing.T) {
	r, db := openRecords(t)
	ctx := context.Background()

	n := call.Notification{
		ID:         "missed_c1",
		ToUserID:   "bob",
		ToRole:     "protected",
		FromUserID: "alice",
		FromName:   "Alice",
		Type:       call.NotificationMissedCall,
		CallID:     "c1",
		Message:    "Missed call from Alice",
		CreatedAt:  time.UnixMilli(1_700_000_000_000),
	}
	for i := 0; i < 2; i++ {
		if err := r.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification #%d: %v", i+1, err)
		}
	}

	got, err := db.Notifications("bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d notifications, want 1", len(got))
	}
	if got[0].Type != call.NotificationMissedCall || got[0].CallID != "c1" || got[0].Message != n.Message {
		t.Fatalf("notification = %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(n.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got[0].CreatedAt, n.CreatedAt)
	}
}

func TestICEServersCopied(t *testing.T) {
	in := []config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "p"},
	}
	out := iceServers(in)
	if len(out) != 2 || out[1].Username != "u" || out[1].Credential != "p" {
		t.Fatalf("iceServers = %+v", out)
	}
	in[0].URLs[0] = "changed"
	if out[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Fatal("urls share backing array with config")
	}
}

func TestMediaOptions(t *testing.T) {
	m := config.Default().Media
	o := mediaOptions(m)
	if o.ICEDisconnected != 30*time.Second || o.ICEFailed != 120*time.Second || o.ICEKeepalive != 2*time.Second {
		t.Fatalf("ice timeouts = %v/%v/%v", o.ICEDisconnected, o.ICEFailed, o.ICEKeepalive)
	}
	if o.MaxWidth != m.MaxWidth || o.VideoBitrate != m.VideoBitrate {
		t.Fatalf("options = %+v", o)
	}
}

func TestOpenStoreSQLite(t *testing.T) {
	dir := t.TempDir()
	st, err := openStore(context.Background(), dir, config.Signal{
		Backend: config.BackendSQLite,
		DBPath:  "data/signal.db",
	}, "alice")
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()

	if _, err := st.ListByParticipant(context.Background(), "alice"); err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
}

func TestRunAgentRejectsMissingIdentity(t *testing.T) {
	cfg := config.Default()
	err := RunAgent(context.Background(), Options{Dir: t.TempDir(), Cfg: cfg})
	if err == nil {
		t.Fatal("RunAgent without identity.user_id succeeded")
	}
}
