package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// RemoteStream collects the tracks received from the other participant.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t)
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// Ready reports whether at least one remote track has arrived.
func (r *RemoteStream) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks) > 0
}
