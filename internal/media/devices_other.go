//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewPlatform returns a receive-only setup. Capture drivers are only wired
// on Linux; elsewhere every Acquire fails with ErrAccessDenied.
func NewPlatform(opts Options) (Devices, PeerFactory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	peers, err := newPionFactory(me, opts)
	if err != nil {
		return nil, nil, err
	}
	log.Warn("no capture drivers on this platform")
	return noDevices{}, peers, nil
}

type noDevices struct{}

func (noDevices) Acquire(context.Context, Constraints) ([]Track, error) {
	return nil, fmt.Errorf("%w: no capture devices on this platform", ErrAccessDenied)
}
