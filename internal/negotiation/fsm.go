package negotiation

import (
	"context"

	"carelink/internal/core/domain"
	"carelink/pkg/tracing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
	numStates
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type eventKind int

const (
	evInitialize eventKind = iota
	evCreateOffer
	evHandleOffer
	evHandleAnswer
	evAddCandidate
	evRequestRestart
	evTeardown
	evLocalCandidate
	evConnectionState
	evRemoteTrack
	numEvents
)

var eventNames = [numEvents]string{
	evInitialize:      "initialize",
	evCreateOffer:     "create_offer",
	evHandleOffer:     "handle_offer",
	evHandleAnswer:    "handle_answer",
	evAddCandidate:    "add_ice_candidate",
	evRequestRestart:  "request_restart",
	evTeardown:        "teardown",
	evLocalCandidate:  "local_candidate",
	evConnectionState: "connection_state",
	evRemoteTrack:     "remote_track",
}

func (k eventKind) String() string { return eventNames[k] }

// fromConnection reports whether the event originates from a pion callback and
// so carries a connection token.
func (k eventKind) fromConnection() bool {
	return k == evLocalCandidate || k == evConnectionState || k == evRemoteTrack
}

type event struct {
	kind  eventKind
	ctx   context.Context
	token uint64
	reply chan error

	role      Role
	restart   bool
	stream    TrackSource
	desc      webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
	pcState   webrtc.PeerConnectionState
	track     *webrtc.TrackRemote
}

type commandKind int

const (
	cmdSend commandKind = iota
	cmdHealth
	cmdError
	cmdRemoteStream
)

// command is a side effect produced by a transition and executed off the loop.
type command struct {
	kind   commandKind
	msg    *domain.Message
	health Health
	err    error
	stream *RemoteStream
}

func send(msg *domain.Message) command {
	return command{kind: cmdSend, msg: msg}
}

func notifyHealth(h Health) command {
	return command{kind: cmdHealth, health: h}
}

func notifyError(err error) command {
	return command{kind: cmdError, err: err}
}

func notifyRemote(r *RemoteStream) command {
	return command{kind: cmdRemoteStream, stream: r}
}

type handler func(n *Negotiator, ev *event) (State, []command, error)

// transitions is total over (state, event): unlisted pairs are rejected in init.
var transitions [numStates][numEvents]handler

func init() {
	live := []State{StateIdle, StateNegotiating, StateConnected, StateDisconnected}
	for _, s := range live {
		transitions[s][evInitialize] = (*Negotiator).onInitialize
		transitions[s][evCreateOffer] = (*Negotiator).onCreateOffer
		transitions[s][evHandleOffer] = (*Negotiator).onHandleOffer
		transitions[s][evHandleAnswer] = (*Negotiator).onHandleAnswer
		transitions[s][evAddCandidate] = (*Negotiator).onAddCandidate
		transitions[s][evRequestRestart] = (*Negotiator).onRequestRestart
	}

	// A failed connection only waits for teardown, but transport events still
	// flow in case ICE recovers on its own.
	transitions[StateFailed][evAddCandidate] = (*Negotiator).onAddCandidate

	for s := State(0); s < StateClosed; s++ {
		transitions[s][evTeardown] = (*Negotiator).onTeardown
		transitions[s][evLocalCandidate] = (*Negotiator).onLocalCandidate
		transitions[s][evConnectionState] = (*Negotiator).onConnectionState
		transitions[s][evRemoteTrack] = (*Negotiator).onRemoteTrack
	}
	transitions[StateClosed][evTeardown] = func(n *Negotiator, ev *event) (State, []command, error) {
		return StateClosed, nil, nil
	}

	for s := State(0); s < numStates; s++ {
		for e := eventKind(0); e < numEvents; e++ {
			if transitions[s][e] == nil {
				transitions[s][e] = reject
			}
		}
	}
}

func reject(n *Negotiator, ev *event) (State, []command, error) {
	return n.state, nil, &TransitionError{State: n.state, Event: ev.kind.String()}
}

// negotiating moves idle and disconnected connections into negotiation and
// leaves other states alone.
func negotiating(s State) State {
	if s == StateIdle || s == StateDisconnected {
		return StateNegotiating
	}
	return s
}

func (n *Negotiator) onInitialize(ev *event) (State, []command, error) {
	if err := n.initialize(ev.stream, ev.role); err != nil {
		return n.state, nil, err
	}
	return StateIdle, nil, nil
}

func (n *Negotiator) onCreateOffer(ev *event) (State, []command, error) {
	cmds, err := n.createOffer(ev.ctx, ev.restart)
	if err != nil {
		return n.state, nil, err
	}
	return negotiating(n.state), cmds, nil
}

func (n *Negotiator) onHandleOffer(ev *event) (State, []command, error) {
	ctx, span := tracing.TraceNegotiation(ev.ctx, "handle_offer", n.role.String())
	defer span.End()

	// Guarded lazy construction: a responder learns it must prepare a
	// connection only when the initiator's offer arrives.
	if n.pc == nil {
		if n.roleSet && n.role != RoleResponder {
			return n.state, nil, ErrRoleReassigned
		}
		if err := n.initialize(ev.stream, RoleResponder); err != nil {
			tracing.RecordError(ctx, err)
			return n.state, nil, err
		}
		n.logger.Infow("lazily initialized connection as responder")
	}

	if err := n.pc.SetRemoteDescription(ev.desc); err != nil {
		nerr := &NegotiationError{Kind: RemoteDescriptionRejected, Cause: err}
		tracing.RecordError(ctx, nerr)
		return n.state, nil, nerr
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		nerr := &NegotiationError{Kind: AnswerCreationFailed, Cause: err}
		tracing.RecordError(ctx, nerr)
		return n.state, nil, nerr
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		nerr := &NegotiationError{Kind: AnswerCreationFailed, Cause: err}
		tracing.RecordError(ctx, nerr)
		return n.state, nil, nerr
	}
	n.metrics.AnswerSent()

	n.drainCandidates()
	return negotiating(n.state), []command{send(domain.NewAnswerMessage(answer))}, nil
}

func (n *Negotiator) onHandleAnswer(ev *event) (State, []command, error) {
	ctx, span := tracing.TraceNegotiation(ev.ctx, "handle_answer", n.role.String())
	defer span.End()

	if n.pc == nil {
		return n.state, nil, ErrNoConnection
	}
	if err := n.pc.SetRemoteDescription(ev.desc); err != nil {
		nerr := &NegotiationError{Kind: RemoteDescriptionRejected, Cause: err}
		tracing.RecordError(ctx, nerr)
		return n.state, nil, nerr
	}
	n.drainCandidates()
	return n.state, nil, nil
}

func (n *Negotiator) onAddCandidate(ev *event) (State, []command, error) {
	if n.pc == nil || n.pc.RemoteDescription() == nil {
		n.queue.Push(ev.candidate)
		n.metrics.CandidateBuffered()
		n.logger.Debugw("buffered remote candidate", "pending", n.queue.Len())
		return n.state, nil, nil
	}
	n.applyCandidate(ev.candidate)
	return n.state, nil, nil
}

func (n *Negotiator) onRequestRestart(ev *event) (State, []command, error) {
	if n.role != RoleInitiator {
		n.logger.Warnw("ignoring restart request, only the initiator restarts")
		return n.state, nil, nil
	}
	if n.pc == nil {
		return n.state, nil, ErrNoConnection
	}
	if n.restartPending {
		n.logger.Debugw("restart already in flight")
		return n.state, nil, nil
	}
	cmds, err := n.createOffer(ev.ctx, true)
	if err != nil {
		return n.state, nil, err
	}
	return negotiating(n.state), cmds, nil
}

func (n *Negotiator) onTeardown(ev *event) (State, []command, error) {
	n.closeConnection()
	n.queue.Clear()
	n.remote = nil
	n.health.State = HealthClosed
	n.logger.Infow("connection torn down")
	return StateClosed, nil, nil
}

func (n *Negotiator) onLocalCandidate(ev *event) (State, []command, error) {
	return n.state, []command{send(domain.NewCandidateMessage(ev.candidate))}, nil
}

func (n *Negotiator) onConnectionState(ev *event) (State, []command, error) {
	hs := healthStateOf(ev.pcState)
	next := n.state

	n.logger.Infow("connection state changed",
		"state", hs,
		"restart_attempts", n.health.RestartAttempts,
	)

	switch ev.pcState {
	case webrtc.PeerConnectionStateConnecting:
		n.health.State = hs
		next = negotiating(n.state)

	case webrtc.PeerConnectionStateConnected:
		n.health = Health{State: hs}
		n.restartPending = false
		next = StateConnected

	case webrtc.PeerConnectionStateDisconnected:
		n.health.State = hs
		next = StateDisconnected

	case webrtc.PeerConnectionStateFailed:
		if n.state == StateFailed {
			return n.state, nil, nil
		}
		n.health.State = hs
		n.health.RestartAttempts++
		return n.onFailure(ev.ctx)

	default:
		n.health.State = hs
	}

	return next, []command{notifyHealth(n.health)}, nil
}

// onFailure applies the restart policy after a failed transport.
func (n *Negotiator) onFailure(ctx context.Context) (State, []command, error) {
	cmds := []command{notifyHealth(n.health)}

	if n.health.RestartAttempts >= n.cfg.MaxRestartAttempts {
		n.metrics.ConnectionLost()
		n.logger.Errorw("restart budget exhausted, connection lost",
			"restart_attempts", n.health.RestartAttempts,
		)
		return StateFailed, append(cmds, notifyError(&ConnectionError{Attempts: n.health.RestartAttempts})), nil
	}

	n.metrics.RestartRequested(n.role.String())

	if n.role != RoleInitiator {
		// The responder never originates offers; it asks the initiator instead.
		n.logger.Infow("requesting restart from initiator", "restart_attempts", n.health.RestartAttempts)
		return StateNegotiating, append(cmds, send(&domain.Message{Type: domain.MessageRestartRequest})), nil
	}

	offerCmds, err := n.createOffer(ctx, true)
	if err != nil {
		return StateNegotiating, append(cmds, notifyError(err)), nil
	}
	return StateNegotiating, append(cmds, offerCmds...), nil
}

func (n *Negotiator) onRemoteTrack(ev *event) (State, []command, error) {
	if n.remote == nil {
		n.remote = &RemoteStream{}
	}
	n.remote.add(ev.track)

	n.logger.Infow("remote track received",
		"track_id", ev.track.ID(),
		"kind", ev.track.Kind().String(),
	)

	if ev.track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ev.track.SSRC())}}
		if err := n.pc.WriteRTCP(pli); err != nil {
			n.logger.Warnw("failed to request keyframe", "error", err)
		}
	}
	return n.state, []command{notifyRemote(n.remote)}, nil
}
