package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/guardcall/internal/signal"
)

// Options tunes capture and transport.
type Options struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitrate int

	ICEDisconnected time.Duration
	ICEFailed       time.Duration
	ICEKeepalive    time.Duration
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxWidth:        640,
		MaxHeight:       480,
		VideoBitrate:    1_500_000,
		ICEDisconnected: 30 * time.Second,
		ICEFailed:       120 * time.Second,
		ICEKeepalive:    2 * time.Second,
	}
}

// pionFactory builds peer connections from one shared API.
type pionFactory struct {
	api *webrtc.API
}

func newPionFactory(me *webrtc.MediaEngine, opts Options) (*pionFactory, error) {
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	// Generous ICE timeouts keep a short relay outage from ending the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.ICEDisconnected, opts.ICEFailed, opts.ICEKeepalive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return &pionFactory{api: api}, nil
}

func (f *pionFactory) NewPeer(servers []ICEServer) (PeerConnection, error) {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return newPionPeer(pc), nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	onCand   func(signal.Candidate)
	onTrack  func(RemoteTrack)
	onState  func(string)
	hasVideo bool
	hasAudio bool
}

func newPionPeer(pc *webrtc.PeerConnection) *pionPeer {
	p := &pionPeer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onCand
		p.mu.Unlock()
		if fn != nil {
			fn(signal.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			// Ask for a keyframe so the picture starts without waiting for one.
			if err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			}); err != nil {
				log.Debugf("send PLI: %v", err)
			}
		}
		go drainRTCP(receiver)
		go drainRTP(track)

		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(&remoteTrack{id: track.ID(), kind: kindOf(track.Kind())})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("peer connection state %s", s)
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(s.String())
		}
	})
	return p
}

type pionLocal interface {
	TrackLocal() webrtc.TrackLocal
}

type pionSender struct {
	s *webrtc.RTPSender
}

func (s pionSender) Replace(t Track) error {
	pl, ok := t.(pionLocal)
	if !ok {
		return fmt.Errorf("track %s cannot be sent", t.ID())
	}
	return s.s.ReplaceTrack(pl.TrackLocal())
}

func (p *pionPeer) AddTrack(t Track) (Sender, error) {
	pl, ok := t.(pionLocal)
	if !ok {
		return nil, fmt.Errorf("track %s cannot be sent", t.ID())
	}
	sender, err := p.pc.AddTrack(pl.TrackLocal())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if t.Kind() == KindVideo {
		p.hasVideo = true
	} else {
		p.hasAudio = true
	}
	p.mu.Unlock()
	go drainSenderRTCP(sender)
	return pionSender{s: sender}, nil
}

// ensureRecv adds receive-only transceivers for kinds without a local track
// so the description always carries both m-lines the call type needs.
func (p *pionPeer) ensureRecv(video bool) {
	p.mu.Lock()
	needAudio, needVideo := !p.hasAudio, video && !p.hasVideo
	p.mu.Unlock()

	if needAudio {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add audio transceiver: %v", err)
		}
	}
	if needVideo {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add video transceiver: %v", err)
		}
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (signal.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signal.SessionDescription{}, err
	}
	p.ensureRecv(false)
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context, offer signal.SessionDescription) (signal.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return signal.SessionDescription{}, err
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetAnswer(answer signal.SessionDescription) error {
	if p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrNoPendingOffer
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

func (p *pionPeer) AddCandidate(c signal.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) OnCandidate(fn func(signal.Candidate)) {
	p.mu.Lock()
	p.onCand = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnConnectionState(fn func(string)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPeer) SignalingState() string {
	return p.pc.SignalingState().String()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type remoteTrack struct {
	id   string
	kind Kind
}

func (t *remoteTrack) ID() string { return t.id }
func (t *remoteTrack) Kind() Kind { return t.kind }

func drainRTCP(r *webrtc.RTPReceiver) {
	for {
		if _, _, err := r.ReadRTCP(); err != nil {
			return
		}
	}
}

func drainSenderRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// drainRTP consumes remote media. Rendering belongs to the UI process.
func drainRTP(t *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.Read(buf); err != nil {
			log.Debugf("remote track %s ended: %v", t.ID(), err)
			return
		}
	}
}
