package signal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type testStore interface {
	Store
	Close() error
}

func storeKinds(t *testing.T) map[string]func(t *testing.T) testStore {
	return map[string]func(t *testing.T) testStore{
		"memory": func(t *testing.T) testStore {
			return NewMemStore(clock.New())
		},
		"sqlite": func(t *testing.T) testStore {
			st, err := OpenSQLStore(filepath.Join(t.TempDir(), "calls.db"), nil)
			if err != nil {
				t.Fatalf("OpenSQLStore: %v", err)
			}
			return st
		},
	}
}

func newSession(id, caller, receiver string) *Session {
	return &Session{
		ID:           id,
		CallerID:     caller,
		ReceiverID:   receiver,
		CallerName:   "Caller " + caller,
		ReceiverName: "Receiver " + receiver,
		CallerRole:   "user",
		ReceiverRole: "guardian",
		Status:       StatusRinging,
		CallType:     CallVideo,
		ContextID:    "sos_42",
		ContextType:  ContextSOS,
		Offer:        &SessionDescription{Type: "offer", SDP: "v=0 offer"},
	}
}

func recvChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func recvCandidate(t *testing.T, ch <-chan Candidate) Candidate {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("candidate channel closed")
		}
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for candidate")
	}
	return Candidate{}
}

func TestStoreCreateAndGet(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := st.Get(ctx, "c1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != StatusRinging || got.Rev != 1 {
				t.Errorf("status=%s rev=%d, want ringing/1", got.Status, got.Rev)
			}
			if got.Offer == nil || got.Offer.SDP != "v=0 offer" {
				t.Errorf("offer = %+v", got.Offer)
			}
			if got.Answer != nil {
				t.Errorf("answer should be empty, got %+v", got.Answer)
			}
			if got.ContextType != ContextSOS || got.ContextID != "sos_42" {
				t.Errorf("context = %s/%s", got.ContextType, got.ContextID)
			}

			if err := st.Create(ctx, newSession("c1", "carol", "bob")); !errors.Is(err, ErrExists) {
				t.Errorf("duplicate id: got %v, want ErrExists", err)
			}
			if _, err := st.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing id: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreOneLiveSessionPerCaller(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := st.Create(ctx, newSession("c2", "alice", "carol")); !errors.Is(err, ErrLiveSession) {
				t.Fatalf("second live session: got %v, want ErrLiveSession", err)
			}
			if err := AsCaller(st, "c1").Finish(ctx, StatusEnded); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if err := st.Create(ctx, newSession("c2", "alice", "carol")); err != nil {
				t.Fatalf("Create after end: %v", err)
			}
		})
	}
}

func TestStoreAcceptAndTerminal(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			recv := AsReceiver(st, "c1")
			if err := recv.Accept(ctx, SessionDescription{Type: "answer", SDP: "v=0 answer"}); err != nil {
				t.Fatalf("Accept: %v", err)
			}
			got, _ := st.Get(ctx, "c1")
			if got.Status != StatusAccepted || got.Answer == nil || got.Rev != 2 {
				t.Fatalf("after accept: %+v", got)
			}

			// A second accept loses the conditional write.
			if err := recv.Accept(ctx, SessionDescription{Type: "answer", SDP: "x"}); !errors.Is(err, ErrStatusChanged) {
				t.Errorf("second accept: got %v, want ErrStatusChanged", err)
			}

			if err := AsCaller(st, "c1").Finish(ctx, StatusEnded); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if err := recv.Finish(ctx, StatusEnded); !errors.Is(err, ErrAlreadyTerminal) {
				t.Errorf("finish terminal: got %v, want ErrAlreadyTerminal", err)
			}
			if err := AsCaller(st, "c1").FinishIf(ctx, StatusMissed, StatusRinging); !errors.Is(err, ErrAlreadyTerminal) {
				t.Errorf("conditional finish terminal: got %v, want ErrAlreadyTerminal", err)
			}
			got, _ = st.Get(ctx, "c1")
			if got.Status != StatusEnded {
				t.Errorf("status = %s, want ended", got.Status)
			}
		})
	}
}

func TestStoreFieldOwnership(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			_, err := st.Update(ctx, "c1", Update{By: Caller, Status: StatusAccepted,
				Answer: &SessionDescription{Type: "answer"}})
			if !errors.Is(err, ErrForbidden) {
				t.Errorf("caller writing answer: got %v, want ErrForbidden", err)
			}
			_, err = st.Update(ctx, "c1", Update{By: Receiver, Offer: &SessionDescription{Type: "offer"}})
			if !errors.Is(err, ErrForbidden) {
				t.Errorf("receiver writing offer: got %v, want ErrForbidden", err)
			}
			_, err = st.Update(ctx, "c1", Update{By: Receiver, Status: StatusAccepted})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("accept without answer: got %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestStoreCandidates(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.AppendCandidate(ctx, "c1", CallerCandidates, Candidate{Candidate: "x"}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("append before create: got %v, want ErrNotFound", err)
			}
			if err := st.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}

			mid := "0"
			idx := uint16(0)
			line := AsCaller(st, "c1")
			for _, c := range []string{"cand-a", "cand-b"} {
				if err := line.AddCandidate(ctx, Candidate{Candidate: c, SDPMid: &mid, SDPMLineIndex: &idx}); err != nil {
					t.Fatalf("AddCandidate: %v", err)
				}
			}
			if err := AsReceiver(st, "c1").AddCandidate(ctx, Candidate{Candidate: "cand-r"}); err != nil {
				t.Fatalf("AddCandidate: %v", err)
			}

			got, err := st.Candidates(ctx, "c1", CallerCandidates)
			if err != nil {
				t.Fatalf("Candidates: %v", err)
			}
			if len(got) != 2 || got[0].Candidate != "cand-a" || got[1].Candidate != "cand-b" {
				t.Fatalf("caller candidates = %+v", got)
			}
			if got[0].SDPMid == nil || *got[0].SDPMid != "0" {
				t.Errorf("sdpMid lost: %+v", got[0])
			}
			other, _ := st.Candidates(ctx, "c1", CalleeCandidates)
			if len(other) != 1 || other[0].Candidate != "cand-r" {
				t.Errorf("callee candidates = %+v", other)
			}

			if err := st.Delete(ctx, "c1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := st.Candidates(ctx, "c1", CallerCandidates); !errors.Is(err, ErrNotFound) {
				t.Errorf("candidates after delete: got %v, want ErrNotFound", err)
			}
			if err := st.Delete(ctx, "c1"); err != nil {
				t.Errorf("second delete: %v", err)
			}
		})
	}
}

func TestStoreWatch(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			ch, cancel := st.Watch("c1")
			defer cancel()

			first := recvChange(t, ch)
			if first.Session == nil || first.Session.Status != StatusRinging {
				t.Fatalf("initial change = %+v", first)
			}

			if err := AsReceiver(st, "c1").Accept(ctx, SessionDescription{Type: "answer", SDP: "a"}); err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if c := recvChange(t, ch); c.Session == nil || c.Session.Status != StatusAccepted {
				t.Fatalf("accept change = %+v", c)
			}

			if err := st.Delete(ctx, "c1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if c := recvChange(t, ch); !c.Deleted {
				t.Fatalf("delete change = %+v", c)
			}
		})
	}
}

func TestStoreWatchCandidates(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			if err := st.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			line := AsCaller(st, "c1")
			if err := line.AddCandidate(ctx, Candidate{Candidate: "early"}); err != nil {
				t.Fatalf("AddCandidate: %v", err)
			}

			ch, cancel := st.WatchCandidates("c1", CallerCandidates)
			defer cancel()
			if c := recvCandidate(t, ch); c.Candidate != "early" {
				t.Fatalf("first candidate = %q", c.Candidate)
			}
			if err := line.AddCandidate(ctx, Candidate{Candidate: "late"}); err != nil {
				t.Fatalf("AddCandidate: %v", err)
			}
			if c := recvCandidate(t, ch); c.Candidate != "late" {
				t.Fatalf("second candidate = %q", c.Candidate)
			}
		})
	}
}

func TestStoreWatchIncoming(t *testing.T) {
	for name, open := range storeKinds(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			ch, cancel := st.WatchIncoming("bob")
			defer cancel()

			if err := st.Create(ctx, newSession("c1", "carol", "dave")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := st.Create(ctx, newSession("c2", "alice", "bob")); err != nil {
				t.Fatalf("Create: %v", err)
			}
			c := recvChange(t, ch)
			if c.ID != "c2" || c.Session == nil || c.Session.Status != StatusRinging {
				t.Fatalf("incoming = %+v", c)
			}

			if err := AsCaller(st, "c2").Finish(ctx, StatusEnded); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			c = recvChange(t, ch)
			if c.ID != "c2" || c.Session == nil || c.Session.Status != StatusEnded {
				t.Fatalf("left ringing = %+v", c)
			}
		})
	}
}

func TestStoreWatchCancelCloses(t *testing.T) {
	st := NewMemStore(nil)
	ch, cancel := st.Watch("missing")
	if c := recvChange(t, ch); !c.Deleted {
		t.Fatalf("watch of missing record = %+v, want Deleted", c)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSQLStoreSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")
	a, err := OpenSQLStore(path, nil)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := OpenSQLStore(path, nil)
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	ch, cancel := b.WatchIncoming("bob")
	defer cancel()

	if err := a.Create(ctx, newSession("c1", "alice", "bob")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c := recvChange(t, ch)
	if c.ID != "c1" {
		t.Fatalf("incoming via shared file = %+v", c)
	}
}
