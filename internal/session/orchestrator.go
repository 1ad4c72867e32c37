package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carelink/internal/core/domain"
	"carelink/internal/media"
	"carelink/internal/negotiation"
	"carelink/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrSessionClosed  = errors.New("session closed")
)

// MediaSource acquires and owns the local stream.
type MediaSource interface {
	Acquire(ctx context.Context) (*media.LocalStream, error)
	Retry(ctx context.Context) (*media.LocalStream, error)
	Release()
	ToggleCamera() bool
	ToggleMicrophone() bool
	State() media.State
}

// Channel is the signaling transport. Handlers must be registered before Open.
type Channel interface {
	Open(ctx context.Context, url string) error
	Send(ctx context.Context, msg *domain.Message) error
	OnMessage(func(*domain.Message))
	OnOpen(func())
	OnClose(func(error))
	OnError(func(error))
	Close() error
}

// Negotiator is the part of *negotiation.Negotiator the orchestrator drives.
type Negotiator interface {
	Initialize(ctx context.Context, stream negotiation.TrackSource, role negotiation.Role) error
	CreateOffer(ctx context.Context, restart bool) error
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription, stream negotiation.TrackSource) error
	HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error
	RequestRestart(ctx context.Context) error
	Teardown()
	State() negotiation.State
	Health() negotiation.Health
}

// NegotiatorFactory builds a negotiator for one peer connection lifetime.
type NegotiatorFactory func(out negotiation.Sender, cb negotiation.Callbacks) Negotiator

type Config struct {
	SignalURL string
	Room      string
	Token     string
}

// Observer receives user-facing session events. Callbacks run on transport
// goroutines and may call back into the orchestrator.
type Observer struct {
	OnMediaReady    func(*media.LocalStream)
	OnPeerJoined    func(domain.Participant)
	OnPeerLeft      func()
	OnHealth        func(negotiation.Health)
	OnRemoteStream  func(*negotiation.RemoteStream)
	OnError         func(error)
	OnChannelClosed func(error)
}

type Option func(*Orchestrator)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

type phase int

const (
	phaseIdle phase = iota
	phaseAwaitingMedia
	phaseOpen
	phaseClosed
)

// Orchestrator glues media acquisition, the signaling channel and one
// negotiator per remote participant together.
type Orchestrator struct {
	cfg           Config
	media         MediaSource
	channel       Channel
	newNegotiator NegotiatorFactory
	logger        *zap.SugaredLogger
	observer      Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	phase      phase
	stream     *media.LocalStream
	negotiator Negotiator
	generation uint64
	closeOnce  sync.Once
}

func New(cfg Config, source MediaSource, channel Channel, newNegotiator NegotiatorFactory, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:           cfg,
		media:         source,
		channel:       channel,
		newNegotiator: newNegotiator,
		logger:        zap.NewNop().Sugar(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start acquires local media and then joins the room. When acquisition
// fails the channel stays closed and RetryMedia completes the start.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.phase == phaseClosed {
		o.mu.Unlock()
		return ErrSessionClosed
	}
	if o.phase != phaseIdle {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.phase = phaseAwaitingMedia
	o.mu.Unlock()

	stream, err := o.media.Acquire(ctx)
	if err != nil {
		o.notifyError(err)
		return err
	}
	return o.join(ctx, stream)
}

// RetryMedia re-runs acquisition after a failure and joins the room if the
// session was waiting on media.
func (o *Orchestrator) RetryMedia(ctx context.Context) error {
	o.mu.Lock()
	switch o.phase {
	case phaseClosed:
		o.mu.Unlock()
		return ErrSessionClosed
	case phaseIdle:
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.mu.Unlock()

	stream, err := o.media.Retry(ctx)
	if err != nil {
		o.notifyError(err)
		return err
	}
	return o.join(ctx, stream)
}

func (o *Orchestrator) join(ctx context.Context, stream *media.LocalStream) error {
	o.mu.Lock()
	if o.phase == phaseClosed {
		o.mu.Unlock()
		return ErrSessionClosed
	}
	o.stream = stream
	if o.phase == phaseOpen {
		// Already in the room; the next negotiator picks the new stream up.
		o.mu.Unlock()
		o.notifyMediaReady(stream)
		return nil
	}
	o.mu.Unlock()
	o.notifyMediaReady(stream)

	endpoint, err := ResolveEndpoint(o.cfg.SignalURL, o.cfg.Room, o.cfg.Token)
	if err != nil {
		return err
	}

	o.channel.OnMessage(o.route)
	o.channel.OnOpen(func() {
		o.logger.Infow("signaling channel open", "room", o.cfg.Room)
	})
	o.channel.OnError(func(err error) {
		o.logger.Warnw("signaling channel error", "room", o.cfg.Room, "error", err)
		o.notifyError(err)
	})
	o.channel.OnClose(o.channelClosed)

	if err := o.channel.Open(ctx, endpoint); err != nil {
		return fmt.Errorf("open signaling channel: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == phaseClosed {
		return ErrSessionClosed
	}
	o.phase = phaseOpen
	return nil
}

// route dispatches one inbound signaling message. The channel delivers
// messages one at a time, in arrival order.
func (o *Orchestrator) route(msg *domain.Message) {
	ctx, span := tracing.TraceSignal(o.ctx, string(msg.Type), o.cfg.Room)
	defer span.End()

	err := o.handle(ctx, msg)
	if err == nil {
		return
	}
	if o.ctx.Err() != nil || errors.Is(err, ErrSessionClosed) || errors.Is(err, negotiation.ErrClosed) {
		// Close ran while the message was in flight.
		return
	}
	tracing.RecordError(ctx, err)
	o.logger.Warnw("failed to handle signaling message",
		"type", msg.Type,
		"room", o.cfg.Room,
		"error", err,
	)
	o.notifyError(err)
}

func (o *Orchestrator) handle(ctx context.Context, msg *domain.Message) error {
	switch msg.Type {
	case domain.MessageParticipantJoined:
		return o.peerJoined(ctx, msg)

	case domain.MessageParticipantLeft:
		o.peerLeft()
		return nil

	case domain.MessageOffer:
		if msg.Offer == nil {
			return domain.ErrMalformedMessage
		}
		n, stream, err := o.current(true)
		if err != nil {
			return err
		}
		return n.HandleOffer(ctx, *msg.Offer, stream)

	case domain.MessageAnswer:
		if msg.Answer == nil {
			return domain.ErrMalformedMessage
		}
		n, _, err := o.current(false)
		if err != nil {
			return err
		}
		return n.HandleAnswer(ctx, *msg.Answer)

	case domain.MessageICECandidate:
		if msg.Candidate == nil {
			return domain.ErrMalformedMessage
		}
		// Candidates may precede the offer; the negotiator buffers them.
		n, _, err := o.current(true)
		if err != nil {
			return err
		}
		return n.AddICECandidate(ctx, *msg.Candidate)

	case domain.MessageRestartRequest:
		n, _, err := o.current(false)
		if err != nil {
			return err
		}
		return n.RequestRestart(ctx)

	case domain.MessageError:
		o.logger.Warnw("relay reported an error", "room", o.cfg.Room, "message", msg.Message)
		o.notifyError(fmt.Errorf("relay: %s", msg.Message))
		return nil

	default:
		o.logger.Warnw("ignoring unknown signaling message", "type", msg.Type)
		return nil
	}
}

// peerJoined starts a fresh connection as Initiator. Media is already held:
// the channel is only opened after acquisition succeeds.
func (o *Orchestrator) peerJoined(ctx context.Context, msg *domain.Message) error {
	o.mu.Lock()
	if o.phase == phaseClosed {
		o.mu.Unlock()
		return ErrSessionClosed
	}
	if o.stream == nil {
		o.mu.Unlock()
		return negotiation.ErrNoLocalMedia
	}
	previous := o.negotiator
	n := o.spawnLocked()
	stream := o.stream
	o.mu.Unlock()

	if previous != nil {
		previous.Teardown()
	}
	if o.observer.OnPeerJoined != nil {
		o.observer.OnPeerJoined(domain.Participant{ID: msg.UserID, Name: msg.UserName})
	}

	o.logger.Infow("participant joined, initiating connection",
		"room", o.cfg.Room,
		"peer", msg.UserID,
	)
	if err := n.Initialize(ctx, stream, negotiation.RoleInitiator); err != nil {
		return err
	}
	return n.CreateOffer(ctx, false)
}

// peerLeft tears the connection down and keeps the channel open for a rejoin.
func (o *Orchestrator) peerLeft() {
	o.mu.Lock()
	n := o.negotiator
	o.negotiator = nil
	o.generation++
	o.mu.Unlock()

	if n != nil {
		n.Teardown()
	}
	o.logger.Infow("participant left", "room", o.cfg.Room)
	if o.observer.OnPeerLeft != nil {
		o.observer.OnPeerLeft()
	}
}

// current returns the live negotiator, creating one when create is set.
func (o *Orchestrator) current(create bool) (Negotiator, negotiation.TrackSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == phaseClosed {
		return nil, nil, ErrSessionClosed
	}
	if o.stream == nil {
		return nil, nil, negotiation.ErrNoLocalMedia
	}
	n := o.negotiator
	if n == nil || n.State() == negotiation.StateClosed {
		if !create {
			return nil, nil, negotiation.ErrNoConnection
		}
		n = o.spawnLocked()
	}
	return n, o.stream, nil
}

func (o *Orchestrator) spawnLocked() Negotiator {
	o.generation++
	gen := o.generation
	n := o.newNegotiator(sender{o}, o.callbacks(gen))
	o.negotiator = n
	return n
}

// callbacks drops events from negotiators that have since been replaced.
func (o *Orchestrator) callbacks(gen uint64) negotiation.Callbacks {
	live := func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.generation == gen && o.phase != phaseClosed
	}
	return negotiation.Callbacks{
		OnHealth: func(h negotiation.Health) {
			if live() && o.observer.OnHealth != nil {
				o.observer.OnHealth(h)
			}
		},
		OnRemoteStream: func(rs *negotiation.RemoteStream) {
			if live() && o.observer.OnRemoteStream != nil {
				o.observer.OnRemoteStream(rs)
			}
		},
		OnError: func(err error) {
			if live() {
				o.notifyError(err)
			}
		},
	}
}

func (o *Orchestrator) channelClosed(err error) {
	o.logger.Infow("signaling channel closed", "room", o.cfg.Room, "error", err)
	if o.observer.OnChannelClosed != nil {
		o.observer.OnChannelClosed(err)
	}
}

// ToggleCamera flips the camera track without renegotiating.
func (o *Orchestrator) ToggleCamera() bool {
	return o.media.ToggleCamera()
}

// ToggleMicrophone flips the microphone track without renegotiating.
func (o *Orchestrator) ToggleMicrophone() bool {
	return o.media.ToggleMicrophone()
}

func (o *Orchestrator) MediaState() media.State {
	return o.media.State()
}

// Health reports the current connection health, or closed when there is no peer.
func (o *Orchestrator) Health() negotiation.Health {
	o.mu.Lock()
	n := o.negotiator
	o.mu.Unlock()
	if n == nil {
		return negotiation.Health{State: negotiation.HealthClosed}
	}
	return n.Health()
}

// Close ends the session. Media is always released.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		opened := o.phase == phaseOpen || o.phase == phaseAwaitingMedia
		o.phase = phaseClosed
		n := o.negotiator
		o.negotiator = nil
		o.generation++
		o.mu.Unlock()

		o.cancel()
		if n != nil {
			n.Teardown()
		}
		if opened {
			err = o.channel.Close()
		}
		o.media.Release()
		o.logger.Infow("session closed", "room", o.cfg.Room)
	})
	return err
}

func (o *Orchestrator) notifyError(err error) {
	if o.observer.OnError != nil {
		o.observer.OnError(err)
	}
}

func (o *Orchestrator) notifyMediaReady(stream *media.LocalStream) {
	if o.observer.OnMediaReady != nil {
		o.observer.OnMediaReady(stream)
	}
}

// sender routes negotiator output onto the signaling channel.
type sender struct {
	o *Orchestrator
}

func (s sender) Send(ctx context.Context, msg *domain.Message) error {
	return s.o.channel.Send(ctx, msg)
}
