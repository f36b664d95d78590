package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/guardcall/internal/media"
	"github.com/petervdpas/guardcall/internal/signal"
)

type fakeTrack struct {
	id     string
	kind   media.Kind
	facing media.Facing

	mu      sync.Mutex
	enabled bool
	live    bool
}

func (t *fakeTrack) ID() string           { return t.id }
func (t *fakeTrack) Kind() media.Kind     { return t.kind }
func (t *fakeTrack) Facing() media.Facing { return t.facing }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.live = false
	t.mu.Unlock()
}

type fakeDevices struct {
	mu       sync.Mutex
	n        int
	deny     bool
	requests []media.Constraints
	issued   []*fakeTrack
}

func (d *fakeDevices) Acquire(_ context.Context, c media.Constraints) ([]media.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, c)
	if d.deny {
		return nil, fmt.Errorf("%w: permission refused", media.ErrAccessDenied)
	}
	var out []media.Track
	add := func(k media.Kind, f media.Facing) {
		d.n++
		t := &fakeTrack{id: fmt.Sprintf("%s-%d", k, d.n), kind: k, facing: f, enabled: true, live: true}
		d.issued = append(d.issued, t)
		out = append(out, t)
	}
	if c.Audio {
		add(media.KindAudio, "")
	}
	if c.Video {
		add(media.KindVideo, c.Facing)
	}
	return out, nil
}

func (d *fakeDevices) setDeny(deny bool) {
	d.mu.Lock()
	d.deny = deny
	d.mu.Unlock()
}

func (d *fakeDevices) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.issued {
		if t.Live() {
			n++
		}
	}
	return n
}

func (d *fakeDevices) requested() []media.Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]media.Constraints(nil), d.requests...)
}

func (d *fakeDevices) track(kind media.Kind) *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.issued) - 1; i >= 0; i-- {
		if d.issued[i].kind == kind {
			return d.issued[i]
		}
	}
	return nil
}

type fakeSender struct{}

func (fakeSender) Replace(media.Track) error { return nil }

// fakePeer emits one local candidate when it creates a description and
// records what the coordinator hands it.
type fakePeer struct {
	name string

	mu      sync.Mutex
	state   string
	onCand  func(signal.Candidate)
	answers []signal.SessionDescription
	remote  []signal.Candidate
}

func (p *fakePeer) AddTrack(media.Track) (media.Sender, error) { return fakeSender{}, nil }

func (p *fakePeer) emit() {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn != nil {
		fn(signal.Candidate{Candidate: "candidate:" + p.name})
	}
}

func (p *fakePeer) CreateOffer(context.Context) (signal.SessionDescription, error) {
	p.mu.Lock()
	p.state = "have-local-offer"
	p.mu.Unlock()
	p.emit()
	return signal.SessionDescription{Type: "offer", SDP: "offer:" + p.name}, nil
}

func (p *fakePeer) CreateAnswer(context.Context, signal.SessionDescription) (signal.SessionDescription, error) {
	p.emit()
	return signal.SessionDescription{Type: "answer", SDP: "answer:" + p.name}, nil
}

func (p *fakePeer) SetAnswer(d signal.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != "have-local-offer" {
		return media.ErrNoPendingOffer
	}
	p.state = "stable"
	p.answers = append(p.answers, d)
	return nil
}

func (p *fakePeer) AddCandidate(c signal.Candidate) error {
	p.mu.Lock()
	p.remote = append(p.remote, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnCandidate(fn func(signal.Candidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(func(media.RemoteTrack)) {}
func (p *fakePeer) OnConnectionState(func(string))        {}

func (p *fakePeer) SignalingState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.state = media.SignalingClosed
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) snapshot() (answers []signal.SessionDescription, remote []signal.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(answers, p.answers...), append(remote, p.remote...)
}

type fakePeers struct {
	name string

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) NewPeer([]media.ICEServer) (media.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: f.name, state: "stable"}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *fakeNotifier) CreateNotification(_ context.Context, note Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, note)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) list() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fakeTimeline struct {
	mu      sync.Mutex
	entries []string
}

func (l *fakeTimeline) AppendTimelineEntry(_ context.Context, contextID string, _ signal.ContextType, action, note string) error {
	l.mu.Lock()
	l.entries = append(l.entries, contextID+":"+action+":"+note)
	l.mu.Unlock()
	return nil
}

func (l *fakeTimeline) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeEmergencies map[string]bool

func (f fakeEmergencies) EmergencyStatus(_ context.Context, id string) (EmergencyStatus, error) {
	return EmergencyStatus{Resolved: f[id]}, nil
}

// party is one coordinator with its fakes.
type party struct {
	c        *Coordinator
	devices  *fakeDevices
	peers    *fakePeers
	notes    *fakeNotifier
	timeline *fakeTimeline
}

func newParty(t *testing.T, store signal.Store, clk clock.Clock, id Identity, emergencies EmergencyChecker) *party {
	t.Helper()
	p := &party{
		devices:  &fakeDevices{},
		peers:    &fakePeers{name: id.UserID},
		notes:    &fakeNotifier{},
		timeline: &fakeTimeline{},
	}
	c, err := New(Options{
		Identity:    id,
		Store:       store,
		Devices:     p.devices,
		Peers:       p.peers,
		Emergencies: emergencies,
		Timeline:    p.timeline,
		Notifier:    p.notes,
		Clock:       clk,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", id.UserID, err)
	}
	t.Cleanup(func() { c.Close() })
	p.c = c
	return p
}

// newCall sets up a guardian (alice) and a protected user (bob) sharing one
// in-memory store.
func newCall(t *testing.T) (*clock.Mock, *signal.MemStore, *party, *party) {
	t.Helper()
	mock := clock.NewMock()
	store := signal.NewMemStore(mock)
	t.Cleanup(func() { store.Close() })
	alice := newParty(t, store, mock, Identity{UserID: "alice", Name: "Alice", Role: "guardian"}, nil)
	bob := newParty(t, store, mock, Identity{UserID: "bob", Name: "Bob", Role: "protected"}, nil)
	return mock, store, alice, bob
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func phaseIs(p *party, want Phase) func() bool {
	return func() bool { return p.c.State().Phase == want }
}

func statusIs(store signal.Store, id string, want signal.Status) func() bool {
	return func() bool {
		s, err := store.Get(context.Background(), id)
		return err == nil && s.Status == want
	}
}

func gone(store signal.Store, id string) func() bool {
	return func() bool {
		_, err := store.Get(context.Background(), id)
		return err != nil
	}
}

func callBob(t *testing.T, alice *party, video bool) string {
	t.Helper()
	id, err := alice.c.StartCall(context.Background(), CallRequest{
		ReceiverID:   "bob",
		ReceiverName: "Bob",
		ReceiverRole: "protected",
		ContextID:    "sos_42",
		ContextType:  signal.ContextSOS,
		Video:        video,
	})
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	return id
}
