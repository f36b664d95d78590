package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedLocal wraps a local track so that packets are dropped while the track
// is disabled. The RTP stream stays bound, so toggling needs no renegotiation.
type gatedLocal struct {
	webrtc.TrackLocal
	enabled *atomic.Bool

	mu       sync.Mutex
	bindings map[string]*gatedContext
}

func newGatedLocal(inner webrtc.TrackLocal, enabled *atomic.Bool) *gatedLocal {
	return &gatedLocal{
		TrackLocal: inner,
		enabled:    enabled,
		bindings:   make(map[string]*gatedContext),
	}
}

func (g *gatedLocal) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gc := &gatedContext{TrackLocalContext: ctx, enabled: g.enabled}
	g.mu.Lock()
	g.bindings[ctx.ID()] = gc
	g.mu.Unlock()
	return g.TrackLocal.Bind(gc)
}

func (g *gatedLocal) Unbind(ctx webrtc.TrackLocalContext) error {
	g.mu.Lock()
	gc, ok := g.bindings[ctx.ID()]
	delete(g.bindings, ctx.ID())
	g.mu.Unlock()
	if !ok {
		return g.TrackLocal.Unbind(ctx)
	}
	return g.TrackLocal.Unbind(gc)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{inner: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	inner   webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.inner.Write(b)
}

// captureTrack is a Track backed by a pion local track.
type captureTrack struct {
	id      string
	kind    Kind
	facing  Facing
	local   *gatedLocal
	enabled atomic.Bool
	live    atomic.Bool
	stop    func() error
}

func newCaptureTrack(inner webrtc.TrackLocal, facing Facing, stop func() error) *captureTrack {
	t := &captureTrack{
		id:     inner.ID(),
		kind:   kindOf(inner.Kind()),
		facing: facing,
		stop:   stop,
	}
	t.enabled.Store(true)
	t.live.Store(true)
	t.local = newGatedLocal(inner, &t.enabled)
	return t
}

func (t *captureTrack) ID() string { return t.id }
func (t *captureTrack) Kind() Kind { return t.kind }
func (t *captureTrack) Facing() Facing { return t.facing }
func (t *captureTrack) Enabled() bool { return t.enabled.Load() }
func (t *captureTrack) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *captureTrack) Live() bool { return t.live.Load() }
func (t *captureTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *captureTrack) Stop() {
	if !t.live.CompareAndSwap(true, false) {
		return
	}
	if t.stop != nil {
		if err := t.stop(); err != nil {
			log.Debugf("stop track %s: %v", t.id, err)
		}
	}
}

func kindOf(k webrtc.RTPCodecType) Kind {
	if k == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}
