// Package media owns the local capture devices and the peer connection of a
// call. Tracks are muted and disabled in place and the camera is swapped by
// track substitution, so none of these operations renegotiate.
package media

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guardcall/internal/signal"
)

var log = logging.Logger("media")

var (
	ErrAccessDenied   = errors.New("media: access denied")
	ErrNoVideo        = errors.New("media: no video track")
	ErrClosed         = errors.New("media: session closed")
	ErrNoPendingOffer = errors.New("media: no local offer pending")
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Facing is the direction a camera points.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other facing mode.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Track is a local capture track.
type Track interface {
	ID() string
	Kind() Kind
	Facing() Facing
	Enabled() bool
	SetEnabled(bool)
	Live() bool
	Stop()
}

// RemoteTrack is a track received from the other party.
type RemoteTrack interface {
	ID() string
	Kind() Kind
}

// Constraints selects what Acquire captures.
type Constraints struct {
	Audio  bool
	Video  bool
	Facing Facing
}

// Devices opens capture tracks. Failures wrap ErrAccessDenied.
type Devices interface {
	Acquire(ctx context.Context, c Constraints) ([]Track, error)
}

// Sender is the outbound slot a local track was added to.
type Sender interface {
	Replace(t Track) error
}

// PeerConnection is the slice of a WebRTC peer connection a call needs.
// Descriptions and candidates use the shapes stored on the session record.
type PeerConnection interface {
	AddTrack(t Track) (Sender, error)
	CreateOffer(ctx context.Context) (signal.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer signal.SessionDescription) (signal.SessionDescription, error)
	// SetAnswer applies the remote answer. It returns ErrNoPendingOffer
	// unless a local offer is outstanding.
	SetAnswer(answer signal.SessionDescription) error
	AddCandidate(c signal.Candidate) error
	OnCandidate(fn func(signal.Candidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnConnectionState(fn func(state string))
	SignalingState() string
	Close() error
}

// ICEServer is one network relay entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeer(servers []ICEServer) (PeerConnection, error)
}

// SignalingClosed is the signaling state of a closed peer connection.
const SignalingClosed = "closed"
