package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// LocalStream groups the tracks produced by one capture. Only the Acquirer stops it.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
	onStop []func()

	mu       sync.Mutex
	stopOnce sync.Once
}

func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *LocalStream) tracksOf(kind TrackKind) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) AudioTracks() []*LocalTrack { return s.tracksOf(TrackAudio) }
func (s *LocalStream) VideoTracks() []*LocalTrack { return s.tracksOf(TrackVideo) }
func (s *LocalStream) HasAudio() bool             { return len(s.AudioTracks()) > 0 }
func (s *LocalStream) HasVideo() bool             { return len(s.VideoTracks()) > 0 }

// TrackLocals returns the pion tracks to attach to a peer connection.
func (s *LocalStream) TrackLocals() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.TrackLocal())
	}
	return out
}

// Stopped reports whether every track has been stopped.
func (s *LocalStream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// OnStop registers fn to run after the stream's tracks are stopped. Capture
// backends use it to end packet generation.
func (s *LocalStream) OnStop(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStop = append(s.onStop, fn)
}

func (s *LocalStream) stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.stop()
		}
		s.mu.Lock()
		hooks := s.onStop
		s.onStop = nil
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}
