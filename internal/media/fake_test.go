package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/petervdpas/guardcall/internal/signal"
)

type fakeTrack struct {
	id      string
	kind    Kind
	facing  Facing
	mu      sync.Mutex
	enabled bool
	live    bool
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() Kind { return t.kind }
func (t *fakeTrack) Facing() Facing { return t.facing }
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
	requests []Constraints
	issued   []*fakeTrack
}

func (d *fakeDevices) Acquire(_ context.Context, c Constraints) ([]Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, c)
	if d.deny {
		return nil, fmt.Errorf("%w: permission refused", ErrAccessDenied)
	}
	var out []Track
	add := func(k Kind, f Facing) {
		d.n++
		t := &fakeTrack{id: fmt.Sprintf("%s-%d", k, d.n), kind: k, facing: f, enabled: true, live: true}
		d.issued = append(d.issued, t)
		out = append(out, t)
	}
	if c.Audio {
		add(KindAudio, "")
	}
	if c.Video {
		add(KindVideo, c.Facing)
	}
	return out, nil
}

type fakeSender struct {
	mu    sync.Mutex
	track Track
}

func (s *fakeSender) Replace(t Track) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) current() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakePeer struct {
	mu      sync.Mutex
	senders map[Kind]*fakeSender
	state   string
	onTrack func(RemoteTrack)
}

func (p *fakePeer) AddTrack(t Track) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: t}
	p.senders[t.Kind()] = s
	return s, nil
}

func (p *fakePeer) CreateOffer(context.Context) (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "offer", SDP: "offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context, signal.SessionDescription) (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "answer", SDP: "answer"}, nil
}

func (p *fakePeer) SetAnswer(signal.SessionDescription) error { return nil }
func (p *fakePeer) AddCandidate(signal.Candidate) error { return nil }
func (p *fakePeer) OnCandidate(func(signal.Candidate)) {}
func (p *fakePeer) OnConnectionState(func(string)) {}

func (p *fakePeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) SignalingState() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.state = SignalingClosed
	p.mu.Unlock()
	return nil
}

type fakePeers struct {
	last *fakePeer
}

func (f *fakePeers) NewPeer([]ICEServer) (PeerConnection, error) {
	f.last = &fakePeer{senders: make(map[Kind]*fakeSender), state: "stable"}
	return f.last, nil
}
