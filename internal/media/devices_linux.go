//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewPlatform returns capture devices backed by V4L2 and the system
// microphone, and a peer factory whose codecs match their encoders.
func NewPlatform(opts Options) (Devices, PeerFactory, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = opts.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	me := &webrtc.MediaEngine{}
	selector.Populate(me)

	peers, err := newPionFactory(me, opts)
	if err != nil {
		return nil, nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Infof("media device kind=%v label=%q", d.Kind, d.Label)
	}
	return &captureDevices{selector: selector, opts: opts}, peers, nil
}

type captureDevices struct {
	selector *mediadevices.CodecSelector
	opts     Options
}

func (d *captureDevices) Acquire(ctx context.Context, c Constraints) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: nothing requested", ErrAccessDenied)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		deviceID := cameraFor(c.Facing)
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras poison the encoder.
			m.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			m.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			m.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			if deviceID != "" {
				m.DeviceID = prop.StringExact(deviceID)
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}

	var out []Track
	for _, t := range stream.GetTracks() {
		t := t
		facing := Facing("")
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			facing = c.Facing
		}
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", t.Kind(), err)
			}
		})
		out = append(out, newCaptureTrack(t, facing, t.Close))
	}
	log.Infof("captured %d track(s) audio=%v video=%v facing=%s", len(out), c.Audio, c.Video, c.Facing)
	return out, nil
}

// cameraFor picks a video input for the facing mode. Labels that name the
// rear camera decide first; otherwise the first camera faces the user and
// the second faces the environment.
func cameraFor(f Facing) string {
	var cams []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d)
		}
	}
	if len(cams) < 2 {
		return ""
	}
	for _, d := range cams {
		label := strings.ToLower(d.Label)
		rear := strings.Contains(label, "back") || strings.Contains(label, "rear") ||
			strings.Contains(label, "environment")
		if rear == (f == FacingEnvironment) {
			return d.DeviceID
		}
	}
	if f == FacingEnvironment {
		return cams[1].DeviceID
	}
	return cams[0].DeviceID
}
