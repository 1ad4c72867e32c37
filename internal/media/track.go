package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is a captured track. Disabling it keeps the track attached to the
// peer connection but drops outgoing packets, so no renegotiation is needed.
type LocalTrack struct {
	kind    TrackKind
	rtp     *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	release  func()
}

// NewLocalTrack wraps a pion RTP track. release is invoked once when the track
// is stopped and frees the underlying capture device.
func NewLocalTrack(kind TrackKind, codec webrtc.RTPCodecCapability, id, streamID string, release func()) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, rtp: track, release: release}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() TrackKind { return t.kind }
func (t *LocalTrack) ID() string      { return t.rtp.ID() }

// TrackLocal exposes the pion track for attachment to a peer connection.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.rtp }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }
func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

func (t *LocalTrack) setEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WriteRTP forwards a packet to every bound peer connection.
func (t *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	return t.rtp.WriteRTP(pkt)
}

func (t *LocalTrack) stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.release != nil {
			t.release()
		}
	})
}
