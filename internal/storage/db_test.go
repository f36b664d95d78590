package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEmergencyResolved(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.EmergencyResolved("sos_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown emergency: got %v, want ErrNotFound", err)
	}
	if err := db.SetEmergencyResolved("sos_1", false); err != nil {
		t.Fatal(err)
	}
	if r, err := db.EmergencyResolved("sos_1"); err != nil || r {
		t.Fatalf("resolved=%v err=%v, want false", r, err)
	}
	if err := db.SetEmergencyResolved("sos_1", true); err != nil {
		t.Fatal(err)
	}
	if r, _ := db.EmergencyResolved("sos_1"); !r {
		t.Fatal("expected resolved")
	}
}

func TestTimeline(t *testing.T) {
	db := openTestDB(t)

	for _, action := range []string{"Call Started", "Call Finished"} {
		if err := db.AppendTimeline(TimelineEntry{ContextID: "sos_1", ContextType: "sos", Action: action}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.AppendTimeline(TimelineEntry{ContextID: "walk_9", ContextType: "safe_walk", Action: "Call Started"}); err != nil {
		t.Fatal(err)
	}

	got, err := db.Timeline("sos_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Action != "Call Started" || got[1].Action != "Call Finished" {
		t.Fatalf("timeline = %+v", got)
	}
}

func TestNotifications(t *testing.T) {
	db := openTestDB(t)

	n := Notification{
		ID:         "missed_c1",
		ToUserID:   "bob",
		FromUserID: "alice",
		FromName:   "Alice",
		Type:       "missed_call",
		CallID:     "c1",
		Message:    "Missed call from Alice",
		CreatedAt:  time.UnixMilli(1000),
	}
	if err := db.PutNotification(n); err != nil {
		t.Fatal(err)
	}
	// Same id again is ignored.
	n.Message = "changed"
	if err := db.PutNotification(n); err != nil {
		t.Fatal(err)
	}

	list, err := db.Notifications("bob", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Message != "Missed call from Alice" {
		t.Fatalf("notifications = %+v", list)
	}

	if err := db.MarkSeen("bob", "missed_c1"); err != nil {
		t.Fatal(err)
	}
	if list, _ := db.Notifications("bob", true); len(list) != 0 {
		t.Fatalf("unseen after MarkSeen = %+v", list)
	}
	if list, _ := db.Notifications("bob", false); len(list) != 1 || !list[0].Seen {
		t.Fatalf("all after MarkSeen = %+v", list)
	}
	if err := db.MarkSeen("alice", "missed_c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkSeen by other user: got %v", err)
	}
	if err := db.PutNotification(Notification{ID: "x"}); err == nil {
		t.Fatal("expected error for missing recipient")
	}
}
