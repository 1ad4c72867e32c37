package negotiation

import (
	"errors"
	"fmt"

	"carelink/internal/testutils"

	"github.com/pion/webrtc/v3"
)

func factoryOf(f *testutils.MockPeerConnectionFactory) PeerConnectionFactory {
	return FactoryFunc(func() (PeerConnection, error) {
		pc, err := f.New()
		if err != nil {
			return nil, err
		}
		return pc, nil
	})
}

type fakeStream struct {
	tracks []webrtc.TrackLocal
}

func (s fakeStream) TrackLocals() []webrtc.TrackLocal { return s.tracks }

func newFakeStream() fakeStream {
	return fakeStream{tracks: testutils.NewTrackSet()}
}

func candidate(i int) webrtc.ICECandidateInit {
	mid := "0"
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i), SDPMid: &mid}
}

var errBoom = errors.New("boom")
