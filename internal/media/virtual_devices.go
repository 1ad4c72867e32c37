package media

import (
	"context"
	"sync"
	"time"

	"carelink/pkg/utils"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// VirtualDevices is a software capture backend. It enforces capability ceilings
// like real hardware and can optionally emit synthetic RTP so a headless peer
// produces traffic.
type VirtualDevices struct {
	MaxWidth     int
	MaxHeight    int
	MaxFrameRate int
	Camera       bool
	Microphone   bool

	// Failure switches.
	DenyPermission bool
	Busy           bool
	Insecure       bool

	// Generate starts a packet generator for every captured stream.
	Generate bool

	mu       sync.Mutex
	requests []string
	active   int
}

func NewVirtualDevices(maxWidth, maxHeight, maxFrameRate int) *VirtualDevices {
	return &VirtualDevices{
		MaxWidth:     maxWidth,
		MaxHeight:    maxHeight,
		MaxFrameRate: maxFrameRate,
		Camera:       true,
		Microphone:   true,
	}
}

func (d *VirtualDevices) Supported() error {
	if d.Insecure {
		return &DeviceError{Name: "NotSupportedError", Message: "capture requires a secure context"}
	}
	return nil
}

func (d *VirtualDevices) GetUserMedia(ctx context.Context, profile CaptureProfile) (*LocalStream, error) {
	d.mu.Lock()
	d.requests = append(d.requests, profile.Name)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &DeviceError{Name: "AbortError", Message: err.Error()}
	}
	if d.DenyPermission {
		return nil, &DeviceError{Name: "NotAllowedError", Message: "permission denied by user"}
	}
	if d.Busy {
		return nil, &DeviceError{Name: "NotReadableError", Message: "could not start video source"}
	}
	if profile.Video != nil && !d.Camera {
		return nil, &DeviceError{Name: "NotFoundError", Message: "no camera"}
	}
	if profile.Audio != nil && !d.Microphone {
		return nil, &DeviceError{Name: "NotFoundError", Message: "no microphone"}
	}
	if v := profile.Video; v != nil {
		if (d.MaxWidth > 0 && v.Width > d.MaxWidth) ||
			(d.MaxHeight > 0 && v.Height > d.MaxHeight) ||
			(d.MaxFrameRate > 0 && v.FrameRate > d.MaxFrameRate) {
			return nil, &DeviceError{Name: "OverconstrainedError", Message: "resolution or frame rate exceeds camera capability"}
		}
	}

	streamID := utils.NewStreamID()
	var tracks []*LocalTrack

	if profile.Video != nil {
		t, err := NewLocalTrack(TrackVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID, d.acquireDevice())
		if err != nil {
			return nil, &DeviceError{Name: "NotReadableError", Message: err.Error()}
		}
		tracks = append(tracks, t)
	}
	if profile.Audio != nil {
		t, err := NewLocalTrack(TrackAudio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID, d.acquireDevice())
		if err != nil {
			for _, prev := range tracks {
				prev.stop()
			}
			return nil, &DeviceError{Name: "NotReadableError", Message: err.Error()}
		}
		tracks = append(tracks, t)
	}

	stream := NewLocalStream(streamID, tracks...)
	if d.Generate {
		frameRate := 30
		if profile.Video != nil && profile.Video.FrameRate > 0 {
			frameRate = profile.Video.FrameRate
		}
		done := make(chan struct{})
		stream.OnStop(func() { close(done) })
		go generate(stream, frameRate, done)
	}
	return stream, nil
}

// Requests returns the profile names requested so far.
func (d *VirtualDevices) Requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.requests...)
}

// Active returns the number of tracks currently holding a device.
func (d *VirtualDevices) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *VirtualDevices) acquireDevice() func() {
	d.mu.Lock()
	d.active++
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}
}

const (
	vp8ClockRate  = 90000
	opusClockRate = 48000
	opusFrame     = 20 * time.Millisecond
)

// generate writes placeholder payloads at capture cadence until done closes.
func generate(stream *LocalStream, frameRate int, done <-chan struct{}) {
	videoTicker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer videoTicker.Stop()
	audioTicker := time.NewTicker(opusFrame)
	defer audioTicker.Stop()

	var videoSeq, audioSeq uint16
	var videoTS, audioTS uint32
	videoPayload := make([]byte, 200)
	audioPayload := make([]byte, 60)

	write := func(tracks []*LocalTrack, seq *uint16, ts uint32, payload []byte, marker bool) bool {
		for _, t := range tracks {
			err := t.WriteRTP(&rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         marker,
					SequenceNumber: *seq,
					Timestamp:      ts,
				},
				Payload: payload,
			})
			if err == ErrTrackStopped {
				return false
			}
		}
		*seq++
		return true
	}

	video, audio := stream.VideoTracks(), stream.AudioTracks()
	for {
		select {
		case <-done:
			return
		case <-videoTicker.C:
			if !write(video, &videoSeq, videoTS, videoPayload, true) {
				return
			}
			videoTS += uint32(vp8ClockRate / frameRate)
		case <-audioTicker.C:
			if len(audio) == 0 {
				continue
			}
			if !write(audio, &audioSeq, audioTS, audioPayload, false) {
				return
			}
			audioTS += uint32(opusClockRate * opusFrame / time.Second)
		}
	}
}
