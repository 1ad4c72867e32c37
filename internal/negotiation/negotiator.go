package negotiation

import (
	"context"
	"sync"

	"carelink/internal/core/domain"
	"carelink/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerConnection is the subset of *webrtc.PeerConnection the negotiator drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

type FactoryFunc func() (PeerConnection, error)

func (f FactoryFunc) NewPeerConnection() (PeerConnection, error) { return f() }

// Sender delivers signaling messages to the other participant.
type Sender interface {
	Send(ctx context.Context, msg *domain.Message) error
}

// TrackSource provides the local tracks to attach. The negotiator borrows
// them and never stops them.
type TrackSource interface {
	TrackLocals() []webrtc.TrackLocal
}

type Config struct {
	MaxRestartAttempts int
}

// Callbacks are invoked in order on a dedicated goroutine, never on the event
// loop, so they may call back into the negotiator.
type Callbacks struct {
	OnHealth       func(Health)
	OnRemoteStream func(*RemoteStream)
	OnError        func(error)
}

type Option func(*Negotiator)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(n *Negotiator) { n.logger = l }
}

func WithMetrics(m Metrics) Option {
	return func(n *Negotiator) { n.metrics = m }
}

func WithCallbacks(cb Callbacks) Option {
	return func(n *Negotiator) { n.callbacks = cb }
}

// Negotiator owns one peer connection at a time and drives it through
// offer/answer, candidate exchange, restart and teardown. Every state change
// happens on a single event-loop goroutine.
type Negotiator struct {
	cfg       Config
	factory   PeerConnectionFactory
	out       Sender
	logger    *zap.SugaredLogger
	metrics   Metrics
	callbacks Callbacks

	ops    chan *event
	inbox  *mailbox[*event]
	outbox *mailbox[command]
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	pc             PeerConnection
	token          uint64
	queue          CandidateQueue
	roleSet        bool
	restartPending bool

	// written by the loop under mu, read by accessors
	mu     sync.RWMutex
	state  State
	health Health
	role   Role
	remote *RemoteStream
}

func New(cfg Config, factory PeerConnectionFactory, out Sender, opts ...Option) *Negotiator {
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = DefaultMaxRestartAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		cfg:     cfg,
		factory: factory,
		out:     out,
		logger:  zap.NewNop().Sugar(),
		metrics: noopMetrics{},
		ops:     make(chan *event),
		inbox:   newMailbox[*event](),
		outbox:  newMailbox[command](),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		health:  Health{State: HealthNew},
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run()
	go n.deliver()
	return n
}

// Initialize builds a fresh peer connection carrying the stream's tracks,
// tearing down any existing one first.
func (n *Negotiator) Initialize(ctx context.Context, stream TrackSource, role Role) error {
	return n.do(ctx, &event{kind: evInitialize, stream: stream, role: role})
}

// CreateOffer creates and sends an offer, requesting an ICE restart when restart is set.
func (n *Negotiator) CreateOffer(ctx context.Context, restart bool) error {
	return n.do(ctx, &event{kind: evCreateOffer, restart: restart})
}

// HandleOffer answers a remote offer, initializing as responder with stream
// when no connection exists yet.
func (n *Negotiator) HandleOffer(ctx context.Context, offer webrtc.SessionDescription, stream TrackSource) error {
	return n.do(ctx, &event{kind: evHandleOffer, desc: offer, stream: stream})
}

func (n *Negotiator) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	return n.do(ctx, &event{kind: evHandleAnswer, desc: answer})
}

// AddICECandidate applies a remote candidate, or buffers it until a remote
// description is set.
func (n *Negotiator) AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	return n.do(ctx, &event{kind: evAddCandidate, candidate: candidate})
}

// RequestRestart handles a restart request from the responder.
func (n *Negotiator) RequestRestart(ctx context.Context) error {
	return n.do(ctx, &event{kind: evRequestRestart})
}

// Teardown closes the connection and stops all further effects. It is safe to
// call repeatedly and from any state.
func (n *Negotiator) Teardown() {
	select {
	case <-n.done:
		return
	default:
	}
	_ = n.do(context.Background(), &event{kind: evTeardown})
	<-n.done
}

func (n *Negotiator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Negotiator) Health() Health {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health
}

func (n *Negotiator) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// RemoteStream returns the received stream, or nil before the first remote track.
func (n *Negotiator) RemoteStream() *RemoteStream {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.remote
}

func (n *Negotiator) do(ctx context.Context, ev *event) error {
	ev.ctx = ctx
	ev.reply = make(chan error, 1)

	select {
	case n.ops <- ev:
	case <-n.done:
		if ev.kind == evTeardown {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ev.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Negotiator) run() {
	defer close(n.done)
	for {
		select {
		case ev := <-n.ops:
			n.dispatch(ev)
		case <-n.inbox.signal:
			for _, ev := range n.inbox.take() {
				n.dispatch(ev)
			}
		}
		if n.state == StateClosed {
			n.inbox.close()
			n.outbox.close()
			n.cancel()
			return
		}
	}
}

func (n *Negotiator) dispatch(ev *event) {
	if ev.kind.fromConnection() && ev.token != n.token {
		n.logger.Debugw("dropping event from stale connection", "event", ev.kind.String())
		return
	}
	if ev.ctx == nil {
		ev.ctx = n.ctx
	}

	prev := n.state
	h := transitions[n.state][ev.kind]

	n.mu.Lock()
	next, cmds, err := h(n, ev)
	n.state = next
	n.mu.Unlock()

	if next != prev {
		n.metrics.StateChanged(next.String())
		n.logger.Infow("negotiation state changed",
			"from", prev.String(),
			"to", next.String(),
			"event", ev.kind.String(),
		)
	}
	n.outbox.put(cmds...)

	if ev.reply != nil {
		ev.reply <- err
	}
}

// deliver executes commands in the order they were produced.
func (n *Negotiator) deliver() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.outbox.signal:
			for _, cmd := range n.outbox.take() {
				n.execute(cmd)
			}
		}
	}
}

func (n *Negotiator) execute(cmd command) {
	switch cmd.kind {
	case cmdSend:
		if err := n.out.Send(n.ctx, cmd.msg); err != nil {
			n.logger.Warnw("failed to send signaling message",
				"type", cmd.msg.Type,
				"error", err,
			)
		}
	case cmdHealth:
		if n.callbacks.OnHealth != nil {
			n.callbacks.OnHealth(cmd.health)
		}
	case cmdError:
		if n.callbacks.OnError != nil {
			n.callbacks.OnError(cmd.err)
		}
	case cmdRemoteStream:
		if n.callbacks.OnRemoteStream != nil {
			n.callbacks.OnRemoteStream(cmd.stream)
		}
	}
}

// initialize replaces the current connection. Callers hold mu.
func (n *Negotiator) initialize(stream TrackSource, role Role) error {
	if stream == nil {
		return ErrNoLocalMedia
	}
	if n.roleSet && n.role != role {
		return ErrRoleReassigned
	}

	n.closeConnection()

	pc, err := n.factory.NewPeerConnection()
	if err != nil {
		return err
	}

	for _, track := range stream.TrackLocals() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return err
		}
		if sender != nil {
			go drainRTCP(sender)
		}
	}

	n.token++
	token := n.token
	n.pc = pc
	n.role = role
	n.roleSet = true
	n.restartPending = false
	n.health = Health{State: HealthNew}
	n.remote = nil

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.inbox.put(&event{kind: evLocalCandidate, token: token, candidate: c.ToJSON()})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.inbox.put(&event{kind: evConnectionState, token: token, pcState: s})
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.inbox.put(&event{kind: evRemoteTrack, token: token, track: t})
	})

	// buffered candidates drain once a remote description lands, in
	// onHandleOffer or onHandleAnswer
	n.queue.Rebind(token)

	n.logger.Infow("peer connection initialized",
		"role", role.String(),
		"pending_candidates", n.queue.Len(),
	)
	return nil
}

// closeConnection detaches every producer before closing, so nothing the old
// connection reports afterwards can reach the loop.
func (n *Negotiator) closeConnection() {
	if n.pc == nil {
		return
	}
	pc := n.pc
	n.pc = nil
	n.token++

	pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})

	if err := pc.Close(); err != nil {
		n.logger.Warnw("failed to close peer connection", "error", err)
	}
}

func (n *Negotiator) createOffer(ctx context.Context, restart bool) ([]command, error) {
	step := "create_offer"
	if restart {
		step = "restart_offer"
	}
	ctx, span := tracing.TraceNegotiation(ctx, step, n.role.String())
	defer span.End()

	if n.pc == nil {
		return nil, ErrNoConnection
	}

	offer, err := n.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		nerr := &NegotiationError{Kind: OfferCreationFailed, Cause: err}
		tracing.RecordError(ctx, nerr)
		return nil, nerr
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		nerr := &NegotiationError{Kind: OfferCreationFailed, Cause: err}
		tracing.RecordError(ctx, nerr)
		return nil, nerr
	}

	if restart {
		n.restartPending = true
	}
	n.metrics.OfferSent(restart)
	n.logger.Infow("offer created", "restart", restart)
	return []command{send(domain.NewOfferMessage(offer))}, nil
}

func (n *Negotiator) drainCandidates() {
	pending := n.queue.Drain()
	if len(pending) == 0 {
		return
	}
	n.logger.Debugw("applying buffered candidates", "count", len(pending))
	for _, c := range pending {
		n.applyCandidate(c)
	}
}

// applyCandidate skips candidates the connection rejects; one bad candidate
// must not end the session.
func (n *Negotiator) applyCandidate(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		n.metrics.CandidateFailed()
		n.logger.Warnw("skipping remote candidate",
			"error", &NegotiationError{Kind: CandidateApplicationFailed, Cause: err},
			"candidate", c.Candidate,
		)
		return
	}
	n.metrics.CandidateApplied()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
