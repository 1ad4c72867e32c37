package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PeerCollector exports negotiation and media acquisition metrics of one
// participant process.
type PeerCollector struct {
	offersSent         *prometheus.CounterVec
	answersSent        prometheus.Counter
	candidatesBuffered prometheus.Counter
	candidatesApplied  prometheus.Counter
	candidatesFailed   prometheus.Counter
	restartsRequested  *prometheus.CounterVec
	connectionsLost    prometheus.Counter
	stateTransitions   *prometheus.CounterVec
	mediaAttempts      *prometheus.CounterVec
}

// NewPeerCollector registers the collectors on reg. A nil reg uses the
// default registerer.
func NewPeerCollector(reg prometheus.Registerer) *PeerCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PeerCollector{
		offersSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_offers_sent_total",
			Help: "Offers created and sent, by ICE restart flag",
		}, []string{"restart"}),

		answersSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "carelink_answers_sent_total",
			Help: "Answers created and sent",
		}),

		candidatesBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "carelink_candidates_buffered_total",
			Help: "Remote ICE candidates buffered until a remote description existed",
		}),

		candidatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "carelink_candidates_applied_total",
			Help: "Remote ICE candidates applied",
		}),

		candidatesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "carelink_candidates_failed_total",
			Help: "Remote ICE candidates rejected by the connection and skipped",
		}),

		restartsRequested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_restarts_requested_total",
			Help: "Connection restarts triggered by a failed transport, by role",
		}, []string{"role"}),

		connectionsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "carelink_connections_lost_total",
			Help: "Connections given up after exhausting restart attempts",
		}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_negotiation_state_transitions_total",
			Help: "Negotiation state machine transitions, by target state",
		}, []string{"state"}),

		mediaAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_media_attempts_total",
			Help: "Capture attempts per profile and outcome",
		}, []string{"profile", "outcome"}),
	}
}

func (p *PeerCollector) OfferSent(restart bool) {
	p.offersSent.WithLabelValues(strconv.FormatBool(restart)).Inc()
}

func (p *PeerCollector) AnswerSent()        { p.answersSent.Inc() }
func (p *PeerCollector) CandidateBuffered() { p.candidatesBuffered.Inc() }
func (p *PeerCollector) CandidateApplied()  { p.candidatesApplied.Inc() }
func (p *PeerCollector) CandidateFailed()   { p.candidatesFailed.Inc() }
func (p *PeerCollector) ConnectionLost()    { p.connectionsLost.Inc() }

func (p *PeerCollector) RestartRequested(role string) {
	p.restartsRequested.WithLabelValues(role).Inc()
}

func (p *PeerCollector) StateChanged(state string) {
	p.stateTransitions.WithLabelValues(state).Inc()
}

func (p *PeerCollector) MediaAttempt(profile, outcome string) {
	p.mediaAttempts.WithLabelValues(profile, outcome).Inc()
}

// RelayCollector exports room and message metrics of the relay.
type RelayCollector struct {
	participantsConnected prometheus.Gauge
	roomsRejected         *prometheus.CounterVec
	messagesRelayed       *prometheus.CounterVec
	messagesDropped       *prometheus.CounterVec
}

func NewRelayCollector(reg prometheus.Registerer) *RelayCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RelayCollector{
		participantsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "carelink_relay_participants_connected",
			Help: "Participants currently joined to a room",
		}),

		roomsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_relay_joins_rejected_total",
			Help: "Join attempts rejected, by reason",
		}, []string{"reason"}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_relay_messages_relayed_total",
			Help: "Signaling messages forwarded, by type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carelink_relay_messages_dropped_total",
			Help: "Signaling messages not forwarded, by reason",
		}, []string{"reason"}),
	}
}

func (r *RelayCollector) ParticipantJoined() { r.participantsConnected.Inc() }
func (r *RelayCollector) ParticipantLeft()   { r.participantsConnected.Dec() }

func (r *RelayCollector) RoomRejected(reason string) {
	r.roomsRejected.WithLabelValues(reason).Inc()
}

func (r *RelayCollector) MessageRelayed(messageType string) {
	r.messagesRelayed.WithLabelValues(messageType).Inc()
}

func (r *RelayCollector) MessageDropped(reason string) {
	r.messagesDropped.WithLabelValues(reason).Inc()
}
