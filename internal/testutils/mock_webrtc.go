package testutils

import (
	"context"
	"fmt"
	"sync"

	"carelink/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// MockPeerConnection records what a negotiator does to a peer connection and
// lets tests fire the callbacks pion would.
type MockPeerConnection struct {
	OfferErr     error
	AnswerErr    error
	RemoteErr    error
	CandidateErr func(webrtc.ICECandidateInit) error

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	applied     []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	offers      []bool
	rtcp        []rtcp.Packet
	closed      int
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (m *MockPeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OfferErr != nil {
		return webrtc.SessionDescription{}, m.OfferErr
	}
	m.offers = append(m.offers, options != nil && options.ICERestart)
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("mock-offer-sdp-%d", len(m.offers)),
	}, nil
}

func (m *MockPeerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AnswerErr != nil {
		return webrtc.SessionDescription{}, m.AnswerErr
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "mock-answer-sdp",
	}, nil
}

func (m *MockPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = &desc
	return nil
}

func (m *MockPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoteErr != nil {
		return m.RemoteErr
	}
	m.remote = &desc
	return nil
}

func (m *MockPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *MockPeerConnection) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *MockPeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CandidateErr != nil {
		if err := m.CandidateErr(c); err != nil {
			return err
		}
	}
	m.applied = append(m.applied, c)
	return nil
}

func (m *MockPeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append(m.tracks, track)
	return nil, nil
}

func (m *MockPeerConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = handler
}

func (m *MockPeerConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = handler
}

func (m *MockPeerConnection) OnTrack(handler func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = handler
}

func (m *MockPeerConnection) WriteRTCP(pkts []rtcp.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rtcp = append(m.rtcp, pkts...)
	return nil
}

func (m *MockPeerConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// FireState invokes the registered connection-state handler.
func (m *MockPeerConnection) FireState(s webrtc.PeerConnectionState) {
	m.mu.Lock()
	f := m.onState
	m.mu.Unlock()
	if f != nil {
		f(s)
	}
}

// FireCandidate invokes the registered local-candidate handler.
func (m *MockPeerConnection) FireCandidate(c *webrtc.ICECandidate) {
	m.mu.Lock()
	f := m.onCandidate
	m.mu.Unlock()
	if f != nil {
		f(c)
	}
}

// FireTrack invokes the registered remote-track handler.
func (m *MockPeerConnection) FireTrack(t *webrtc.TrackRemote) {
	m.mu.Lock()
	f := m.onTrack
	m.mu.Unlock()
	if f != nil {
		f(t, nil)
	}
}

func (m *MockPeerConnection) AppliedCandidates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.applied))
	for _, c := range m.applied {
		out = append(out, c.Candidate)
	}
	return out
}

// OfferFlags returns the ICE-restart flag of every offer created, in order.
func (m *MockPeerConnection) OfferFlags() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.offers...)
}

func (m *MockPeerConnection) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), m.tracks...)
}

func (m *MockPeerConnection) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockPeerConnectionFactory creates a new MockPeerConnection per call.
type MockPeerConnectionFactory struct {
	Err       error
	Configure func(*MockPeerConnection)

	mu  sync.Mutex
	pcs []*MockPeerConnection
}

func (f *MockPeerConnectionFactory) New() (*MockPeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := &MockPeerConnection{}
	if f.Configure != nil {
		f.Configure(pc)
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *MockPeerConnectionFactory) Last() *MockPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func (f *MockPeerConnectionFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

// RecordingSender captures outbound signaling messages.
type RecordingSender struct {
	Err error

	mu   sync.Mutex
	msgs []*domain.Message
}

func (s *RecordingSender) Send(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.Err
}

func (s *RecordingSender) Messages() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Message(nil), s.msgs...)
}

func (s *RecordingSender) Types() []domain.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MessageType, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (s *RecordingSender) Count(t domain.MessageType) int {
	n := 0
	for _, got := range s.Types() {
		if got == t {
			n++
		}
	}
	return n
}

// NewTrackSet returns an Opus and a VP8 local track sharing a stream id.
func NewTrackSet() []webrtc.TrackLocal {
	audio, _ := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "stream")
	video, _ := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "stream")
	return []webrtc.TrackLocal{audio, video}
}
