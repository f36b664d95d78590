package media

import (
	"context"
	"fmt"
	"sync"
)

// Session holds the local tracks and the peer connection of one call.
type Session struct {
	devices Devices
	peers   PeerFactory
	servers []ICEServer

	mu       sync.Mutex
	pc       PeerConnection
	tracks   []Track
	senders  map[Kind]Sender
	remote   []RemoteTrack
	facing   Facing
	muted    bool
	videoOff bool
	closed   bool

	onLocal  func([]Track)
	onRemote func([]RemoteTrack)
}

// NewSession prepares a media session. Nothing is captured until Open.
func NewSession(devices Devices, peers PeerFactory, servers []ICEServer) *Session {
	return &Session{
		devices: devices,
		peers:   peers,
		servers: servers,
		senders: make(map[Kind]Sender),
		facing:  FacingUser,
	}
}

// OnLocalStream sets the listener told about every change of the local
// track set. A nil slice means the stream is gone.
func (s *Session) OnLocalStream(fn func([]Track)) {
	s.mu.Lock()
	s.onLocal = fn
	s.mu.Unlock()
}

// OnRemoteStream sets the listener told about remote tracks.
func (s *Session) OnRemoteStream(fn func([]RemoteTrack)) {
	s.mu.Lock()
	s.onRemote = fn
	s.mu.Unlock()
}

// Open captures audio, and video when asked for, then creates the peer
// connection and adds the tracks to it. On failure nothing stays open.
func (s *Session) Open(ctx context.Context, video bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.pc != nil {
		s.mu.Unlock()
		return fmt.Errorf("media session already open")
	}
	facing := s.facing
	s.mu.Unlock()

	tracks, err := s.devices.Acquire(ctx, Constraints{Audio: true, Video: video, Facing: facing})
	if err != nil {
		return err
	}

	pc, err := s.peers.NewPeer(s.servers)
	if err != nil {
		stopAll(tracks)
		return fmt.Errorf("create peer connection: %w", err)
	}

	senders := make(map[Kind]Sender, len(tracks))
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			pc.Close()
			stopAll(tracks)
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		senders[t.Kind()] = sender
	}
	pc.OnRemoteTrack(s.addRemote)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.Close()
		stopAll(tracks)
		return ErrClosed
	}
	s.pc = pc
	s.tracks = tracks
	s.senders = senders
	onLocal := s.onLocal
	s.mu.Unlock()

	log.Debugf("opened %d local track(s), video=%v", len(tracks), video)
	if onLocal != nil {
		onLocal(append([]Track(nil), tracks...))
	}
	return nil
}

// Peer returns the peer connection, or nil before Open.
func (s *Session) Peer() PeerConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pc
}

func (s *Session) addRemote(t RemoteTrack) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.remote = append(s.remote, t)
	list := append([]RemoteTrack(nil), s.remote...)
	fn := s.onRemote
	s.mu.Unlock()

	log.Debugf("remote %s track %s", t.Kind(), t.ID())
	if fn != nil {
		fn(list)
	}
}

// SetMuted flips the enabled flag of every audio track.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	for _, t := range s.tracks {
		if t.Kind() == KindAudio {
			t.SetEnabled(!muted)
		}
	}
}

// SetVideoEnabled flips the enabled flag of every video track.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = !enabled
	for _, t := range s.tracks {
		if t.Kind() == KindVideo {
			t.SetEnabled(enabled)
		}
	}
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.videoOff
}

// Facing returns the facing mode of the current camera.
func (s *Session) Facing() Facing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

// SwitchCamera captures the opposite-facing camera, substitutes it for the
// outbound video track and stops the old one. It returns the new facing.
func (s *Session) SwitchCamera(ctx context.Context) (Facing, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	old, idx := s.videoTrack()
	sender := s.senders[KindVideo]
	if old == nil || sender == nil {
		s.mu.Unlock()
		return "", ErrNoVideo
	}
	next := s.facing.Opposite()
	s.mu.Unlock()

	fresh, err := s.devices.Acquire(ctx, Constraints{Video: true, Facing: next})
	if err != nil {
		return "", err
	}
	var replacement Track
	for _, t := range fresh {
		if t.Kind() == KindVideo && replacement == nil {
			replacement = t
			continue
		}
		t.Stop()
	}
	if replacement == nil {
		return "", fmt.Errorf("%w: no %s camera", ErrAccessDenied, next)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		replacement.Stop()
		return "", ErrClosed
	}
	replacement.SetEnabled(!s.videoOff)
	if err := sender.Replace(replacement); err != nil {
		s.mu.Unlock()
		replacement.Stop()
		return "", fmt.Errorf("replace video track: %w", err)
	}
	s.tracks[idx] = replacement
	s.facing = next
	list := append([]Track(nil), s.tracks...)
	onLocal := s.onLocal
	s.mu.Unlock()

	old.Stop()
	log.Infof("camera switched to %s", next)
	if onLocal != nil {
		onLocal(list)
	}
	return next, nil
}

func (s *Session) videoTrack() (Track, int) {
	for i, t := range s.tracks {
		if t.Kind() == KindVideo {
			return t, i
		}
	}
	return nil, -1
}

// LocalTracks returns the current local tracks.
func (s *Session) LocalTracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

// LiveTracks counts local tracks still capturing.
func (s *Session) LiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

// Close closes the peer connection and then stops every local track.
// It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pc := s.pc
	tracks := s.tracks
	hadRemote := len(s.remote) > 0
	s.remote = nil
	onLocal, onRemote := s.onLocal, s.onRemote
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Warnf("close peer connection: %v", err)
		}
	}
	stopAll(tracks)

	if onLocal != nil && len(tracks) > 0 {
		onLocal(nil)
	}
	if onRemote != nil && hadRemote {
		onRemote(nil)
	}
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
