package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/media"
	"carelink/internal/negotiation"
	"carelink/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type observed struct {
	mu      sync.Mutex
	joined  []domain.Participant
	left    int
	health  []negotiation.Health
	errs    []error
	streams int
}

func (o *observed) observer() Observer {
	return Observer{
		OnPeerJoined: func(p domain.Participant) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.joined = append(o.joined, p)
		},
		OnPeerLeft: func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.left++
		},
		OnHealth: func(h negotiation.Health) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.health = append(o.health, h)
		},
		OnError: func(err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.errs = append(o.errs, err)
		},
		OnMediaReady: func(*media.LocalStream) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.streams++
		},
	}
}

func (o *observed) leftCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.left
}

func (o *observed) lastHealth() (negotiation.Health, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.health) == 0 {
		return negotiation.Health{}, false
	}
	return o.health[len(o.health)-1], true
}

func (o *observed) errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

type participant struct {
	orch     *Orchestrator
	channel  *memoryChannel
	devices  *media.VirtualDevices
	acquirer *media.Acquirer
	factory  *testutils.MockPeerConnectionFactory
	obs      *observed

	mu          sync.Mutex
	negotiators []*negotiation.Negotiator
}

func (p *participant) negotiator(i int) *negotiation.Negotiator {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.negotiators) {
		return nil
	}
	return p.negotiators[i]
}

func (p *participant) negotiatorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.negotiators)
}

func newParticipant(t *testing.T, relay *memoryRelay, name string) *participant {
	t.Helper()
	p := &participant{
		channel: newMemoryChannel(relay, name),
		devices: media.NewVirtualDevices(1280, 720, 30),
		factory: &testutils.MockPeerConnectionFactory{},
		obs:     &observed{},
	}
	p.acquirer = media.NewAcquirer(p.devices, media.DefaultLadder())

	newNegotiator := func(out negotiation.Sender, cb negotiation.Callbacks) Negotiator {
		factory := negotiation.FactoryFunc(func() (negotiation.PeerConnection, error) {
			pc, err := p.factory.New()
			if err != nil {
				return nil, err
			}
			return pc, nil
		})
		n := negotiation.New(negotiation.Config{MaxRestartAttempts: 3}, factory, out, negotiation.WithCallbacks(cb))
		p.mu.Lock()
		p.negotiators = append(p.negotiators, n)
		p.mu.Unlock()
		return n
	}

	cfg := Config{SignalURL: "http://relay.local", Room: "X", Token: name}
	p.orch = New(cfg, p.acquirer, p.channel, newNegotiator, WithObserver(p.obs.observer()))
	t.Cleanup(func() { _ = p.orch.Close() })
	return p
}

func TestJoinScenario_NewcomerInitiatesAndPresentPeerResponds(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	b := newParticipant(t, relay, "B")
	ctx := context.Background()

	require.NoError(t, a.orch.Start(ctx))
	require.NoError(t, b.orch.Start(ctx))

	assert.Equal(t, "ws://relay.local/ws/telehealth/X/?token=A", a.channel.URL())

	require.Eventually(t, func() bool {
		return relay.count(domain.MessageAnswer) == 1
	}, waitFor, tick)

	assert.Equal(t, 1, relay.count(domain.MessageOffer))

	nb := b.negotiator(0)
	na := a.negotiator(0)
	require.NotNil(t, nb)
	require.NotNil(t, na)
	assert.Equal(t, negotiation.RoleInitiator, nb.Role())
	assert.Equal(t, negotiation.RoleResponder, na.Role())

	b.obs.mu.Lock()
	require.Len(t, b.obs.joined, 1)
	assert.Equal(t, domain.ParticipantID("A"), b.obs.joined[0].ID)
	b.obs.mu.Unlock()

	require.Eventually(t, func() bool {
		remote := b.factory.Last().RemoteDescription()
		return remote != nil && remote.Type == webrtc.SDPTypeAnswer
	}, waitFor, tick)
	assert.Len(t, a.factory.Last().Tracks(), 2, "responder attaches its local tracks")
	assert.Len(t, b.factory.Last().Tracks(), 2, "initiator attaches its local tracks")
}

func TestHealth_SurfacedToObserver(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	b := newParticipant(t, relay, "B")
	ctx := context.Background()

	require.NoError(t, a.orch.Start(ctx))
	require.NoError(t, b.orch.Start(ctx))
	require.Eventually(t, func() bool { return relay.count(domain.MessageAnswer) == 1 }, waitFor, tick)

	b.factory.Last().FireState(webrtc.PeerConnectionStateConnected)

	require.Eventually(t, func() bool {
		h, ok := b.obs.lastHealth()
		return ok && h.State == negotiation.HealthConnected
	}, waitFor, tick)
	assert.Equal(t, negotiation.HealthConnected, b.orch.Health().State)
}

func TestToggles_NeverRenegotiate(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	b := newParticipant(t, relay, "B")
	ctx := context.Background()

	require.NoError(t, a.orch.Start(ctx))
	require.NoError(t, b.orch.Start(ctx))
	require.Eventually(t, func() bool { return relay.count(domain.MessageAnswer) == 1 }, waitFor, tick)

	assert.False(t, b.orch.ToggleCamera())
	assert.False(t, b.orch.ToggleMicrophone())
	assert.True(t, b.orch.ToggleCamera())
	assert.False(t, a.orch.ToggleMicrophone())

	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, relay.count(domain.MessageOffer))
	assert.Equal(t, 1, relay.count(domain.MessageAnswer))
	assert.Equal(t, 1, a.factory.Count())
	assert.Equal(t, 1, b.factory.Count())
	assert.Equal(t, []bool{false}, b.factory.Last().OfferFlags())

	state := b.orch.MediaState()
	assert.True(t, state.CameraEnabled)
	assert.False(t, state.MicEnabled)
}

func TestParticipantLeft_KeepsChannelAndRenegotiatesOnRejoin(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	b := newParticipant(t, relay, "B")
	ctx := context.Background()

	require.NoError(t, a.orch.Start(ctx))
	require.NoError(t, b.orch.Start(ctx))
	require.Eventually(t, func() bool { return relay.count(domain.MessageAnswer) == 1 }, waitFor, tick)

	require.NoError(t, b.orch.Close())

	require.Eventually(t, func() bool { return a.obs.leftCount() == 1 }, waitFor, tick)
	assert.Equal(t, negotiation.StateClosed, a.negotiator(0).State())
	assert.Equal(t, 1, a.factory.Last().CloseCount())
	assert.Equal(t, 1, relay.size(), "A stays in the room")

	c := newParticipant(t, relay, "C")
	require.NoError(t, c.orch.Start(ctx))

	require.Eventually(t, func() bool { return relay.count(domain.MessageAnswer) == 2 }, waitFor, tick)
	assert.Equal(t, 2, a.negotiatorCount(), "rejoin uses a fresh negotiator")
	assert.Equal(t, negotiation.RoleResponder, a.negotiator(1).Role())
	assert.Equal(t, negotiation.RoleInitiator, c.negotiator(0).Role())
}

func TestEarlyCandidates_BufferedUntilOffer(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	require.NoError(t, a.orch.Start(context.Background()))

	mid := "0"
	for _, cand := range []string{"candidate:1 1 udp 1 10.0.0.1 5000 typ host", "candidate:2 1 udp 1 10.0.0.2 5000 typ host"} {
		a.channel.inject(domain.NewCandidateMessage(webrtc.ICECandidateInit{Candidate: cand, SDPMid: &mid}))
	}
	require.Eventually(t, func() bool { return a.negotiatorCount() == 1 }, waitFor, tick)
	assert.Equal(t, 0, a.factory.Count(), "no connection exists before the offer")

	a.channel.inject(domain.NewOfferMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}))

	require.Eventually(t, func() bool {
		pc := a.factory.Last()
		return pc != nil && len(pc.AppliedCandidates()) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{
		"candidate:1 1 udp 1 10.0.0.1 5000 typ host",
		"candidate:2 1 udp 1 10.0.0.2 5000 typ host",
	}, a.factory.Last().AppliedCandidates())
	assert.Equal(t, 1, a.negotiatorCount())
}

func TestAnswerWithoutConnection_Surfaced(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	require.NoError(t, a.orch.Start(context.Background()))

	a.channel.inject(domain.NewAnswerMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "stray"}))
	a.channel.inject(&domain.Message{Type: "presence"})

	require.Eventually(t, func() bool { return len(a.obs.errors()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, a.obs.errors()[0], negotiation.ErrNoConnection)
	assert.Equal(t, 0, a.negotiatorCount())
}

func TestStart_MediaFailureKeepsChannelClosedUntilRetry(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	a.devices.DenyPermission = true
	ctx := context.Background()

	err := a.orch.Start(ctx)
	require.Error(t, err)
	var merr *media.MediaError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, media.KindPermissionDenied, merr.Kind)
	assert.Equal(t, 0, relay.size(), "no negotiation before media is ready")
	assert.Len(t, a.obs.errors(), 1)
	assert.ErrorIs(t, a.orch.Start(ctx), ErrAlreadyStarted)

	a.devices.DenyPermission = false
	require.NoError(t, a.orch.RetryMedia(ctx))
	assert.Equal(t, 1, relay.size())
	assert.NotNil(t, a.orch.MediaState().Stream)
}

func TestRetryMedia_BeforeStart(t *testing.T) {
	a := newParticipant(t, &memoryRelay{}, "A")
	assert.ErrorIs(t, a.orch.RetryMedia(context.Background()), ErrNotStarted)
}

func TestClose_IdempotentAndReleasesMedia(t *testing.T) {
	relay := &memoryRelay{}
	a := newParticipant(t, relay, "A")
	require.NoError(t, a.orch.Start(context.Background()))
	stream := a.orch.MediaState().Stream
	require.NotNil(t, stream)

	require.NoError(t, a.orch.Close())
	require.NoError(t, a.orch.Close())

	assert.True(t, stream.Stopped())
	assert.Nil(t, a.orch.MediaState().Stream)
	assert.Equal(t, 0, relay.size())
	assert.Equal(t, negotiation.HealthClosed, a.orch.Health().State)
	assert.ErrorIs(t, a.orch.Start(context.Background()), ErrSessionClosed)
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		room    string
		token   string
		want    string
		wantErr bool
	}{
		{name: "http maps to ws", base: "http://relay.example.org", room: "X", token: "t1", want: "ws://relay.example.org/ws/telehealth/X/?token=t1"},
		{name: "https maps to wss", base: "https://relay.example.org:8443/", room: "room-1", token: "t", want: "wss://relay.example.org:8443/ws/telehealth/room-1/?token=t"},
		{name: "ws kept with base path", base: "ws://relay.example.org/api", room: "r", token: "a b", want: "ws://relay.example.org/api/ws/telehealth/r/?token=a+b"},
		{name: "unsupported scheme", base: "ftp://relay.example.org", room: "X", wantErr: true},
		{name: "missing host", base: "http://", room: "X", wantErr: true},
		{name: "invalid room", base: "http://relay.example.org", room: "../etc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveEndpoint(tt.base, tt.room, tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
