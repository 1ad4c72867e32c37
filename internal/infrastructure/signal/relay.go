package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/core/ports"
	"carelink/pkg/config"
	"carelink/pkg/tracing"
	"carelink/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RelayConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
	SendBuffer        int
}

func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := RelayConfig{
		PingInterval:   cfg.Relay.PingInterval,
		PongTimeout:    cfg.Relay.PongTimeout,
		WriteTimeout:   cfg.Relay.WriteTimeout,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		MaxMessageSize: cfg.RateLimiting.MaxMessageSizeBytes,
		SendBuffer:     64,
	}
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.Burst
	}
	return rc
}

// RelayMetrics observes relay traffic.
type RelayMetrics interface {
	ParticipantJoined()
	ParticipantLeft()
	RoomRejected(reason string)
	MessageRelayed(messageType string)
	MessageDropped(reason string)
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ParticipantJoined()    {}
func (noopRelayMetrics) ParticipantLeft()      {}
func (noopRelayMetrics) RoomRejected(string)   {}
func (noopRelayMetrics) MessageRelayed(string) {}
func (noopRelayMetrics) MessageDropped(string) {}

// Forwarder carries a frame to a participant whose socket is held by another
// relay instance.
type Forwarder interface {
	Forward(ctx context.Context, room domain.RoomID, target domain.ParticipantID, data []byte) error
}

// Relay forwards signaling between the two participants of a room. It never
// interprets descriptions or candidates.
type Relay struct {
	rooms     ports.RoomService
	cfg       RelayConfig
	metrics   RelayMetrics
	forwarder Forwarder
	logger    *zap.SugaredLogger
	upgrader  websocket.Upgrader

	conns map[domain.ParticipantID]*peerConn
	mu    sync.RWMutex
}

type RelayOption func(*Relay)

func WithRelayMetrics(m RelayMetrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithForwarder lets the relay reach participants connected to other
// instances that share its room store.
func WithForwarder(f Forwarder) RelayOption {
	return func(r *Relay) { r.forwarder = f }
}

func NewRelay(rooms ports.RoomService, cfg RelayConfig, logger *zap.SugaredLogger, opts ...RelayOption) *Relay {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	r := &Relay{
		rooms:   rooms,
		cfg:     cfg,
		metrics: noopRelayMetrics{},
		logger:  logger,
		conns:   make(map[domain.ParticipantID]*peerConn),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range r.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// peerConn is one participant's socket. Only writePump writes to conn.
type peerConn struct {
	id      domain.ParticipantID
	name    string
	room    domain.RoomID
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (p *peerConn) enqueue(data []byte) bool {
	select {
	case p.send <- data:
		return true
	case <-p.done:
		return false
	}
}

func (p *peerConn) stop() {
	p.once.Do(func() { close(p.done) })
}

// ServeRoom upgrades the request and keeps the participant in room until the
// socket closes.
func (r *Relay) ServeRoom(w http.ResponseWriter, req *http.Request, room domain.RoomID, name string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "room", room, "error", err)
		return
	}
	defer conn.Close()

	p := &peerConn{
		id:   domain.ParticipantID(utils.NewParticipantID()),
		name: utils.TruncateString(utils.SanitizeString(name), 64),
		room: room,
		conn: conn,
		send: make(chan []byte, r.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if p.name == "" {
		p.name = string(p.id)
	}
	if r.cfg.MessagesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	defer cancel()

	// Register before joining so replies to the first offer can reach us.
	r.mu.Lock()
	r.conns[p.id] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.conns, p.id)
		r.mu.Unlock()
	}()

	present, err := r.rooms.Join(ctx, room, &domain.Participant{ID: p.id, Name: p.name})
	if err != nil {
		r.reject(conn, room, err)
		return
	}
	r.metrics.ParticipantJoined()
	r.logger.Infow("participant joined room",
		"room", room,
		"participant", p.id,
		"present", len(present),
	)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writePump(p)
	}()

	// The newcomer learns about whoever is already here and initiates.
	for _, other := range present {
		r.sendMessage(p, &domain.Message{
			Type:     domain.MessageParticipantJoined,
			UserID:   other.ID,
			UserName: other.Name,
		})
	}

	r.readPump(ctx, p)

	p.stop()
	<-writerDone
	r.leave(p)
}

func (r *Relay) reject(conn *websocket.Conn, room domain.RoomID, err error) {
	reason := "join failed"
	code := websocket.CloseInternalServerErr
	switch {
	case errors.Is(err, domain.ErrRoomFull):
		reason = "room full"
		code = websocket.ClosePolicyViolation
	case errors.Is(err, domain.ErrInvalidRoomToken):
		reason = "invalid room"
		code = websocket.ClosePolicyViolation
	}
	r.metrics.RoomRejected(reason)
	r.logger.Infow("rejecting participant", "room", room, "reason", reason, "error", err)

	deadline := time.Now().Add(r.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (r *Relay) leave(p *peerConn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remaining, err := r.rooms.Leave(ctx, p.room, p.id)
	if err != nil {
		r.logger.Warnw("failed to remove participant from room",
			"room", p.room,
			"participant", p.id,
			"error", err,
		)
		return
	}
	r.metrics.ParticipantLeft()
	r.logger.Infow("participant left room", "room", p.room, "participant", p.id)

	data, err := json.Marshal(&domain.Message{Type: domain.MessageParticipantLeft, UserID: p.id})
	if err != nil {
		r.logger.Errorw("failed to encode relay message", "type", domain.MessageParticipantLeft, "error", err)
		return
	}
	for _, other := range remaining {
		r.deliver(ctx, p.room, other.ID, data)
	}
}

func (r *Relay) readPump(ctx context.Context, p *peerConn) {
	conn := p.conn
	if r.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(r.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Infow("error reading from participant", "participant", p.id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.PongTimeout))

		if err := r.handleMessage(ctx, p, data); err != nil {
			r.logger.Infow("rejected message from participant", "participant", p.id, "error", err)
			r.sendMessage(p, domain.NewErrorMessage(err.Error()))
		}
	}
}

func (r *Relay) handleMessage(ctx context.Context, p *peerConn, data []byte) error {
	if p.limiter != nil && !p.limiter.Allow() {
		r.metrics.MessageDropped("rate_limited")
		return errRateLimited
	}

	msg, err := domain.DecodeMessage(data)
	if err != nil {
		r.metrics.MessageDropped("malformed")
		return err
	}
	if !msg.Type.Relayed() {
		r.metrics.MessageDropped("unknown_type")
		return domain.ErrUnknownMessageType
	}

	_, span := tracing.TraceSignal(ctx, string(msg.Type), string(p.room))
	defer span.End()

	room, err := r.rooms.Room(ctx, p.room)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	delivered := 0
	for _, other := range room.Others(p.id) {
		// Forward the original bytes so nothing is lost to re-encoding.
		if r.deliver(ctx, p.room, other.ID, data) {
			delivered++
		}
	}
	if delivered == 0 {
		r.metrics.MessageDropped("no_peer")
		r.logger.Debugw("no peer to relay to", "room", p.room, "type", msg.Type)
		return nil
	}

	r.metrics.MessageRelayed(string(msg.Type))
	r.logger.Debugw("relayed message",
		"room", p.room,
		"from", p.id,
		"type", msg.Type,
		"size", len(data),
	)
	return nil
}

func (r *Relay) writePump(p *peerConn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			deadline := time.Now().Add(r.cfg.WriteTimeout)
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Infow("error writing to participant", "participant", p.id, "error", err)
				p.stop()
				_ = p.conn.Close()
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.logger.Infow("error sending ping", "participant", p.id, "error", err)
				p.stop()
				_ = p.conn.Close()
				return
			}
		}
	}
}

func (r *Relay) sendMessage(p *peerConn, msg *domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Errorw("failed to encode relay message", "type", msg.Type, "error", err)
		return
	}
	p.enqueue(data)
}

// deliver hands data to target's local socket, or to the forwarder when
// another instance holds it.
func (r *Relay) deliver(ctx context.Context, room domain.RoomID, target domain.ParticipantID, data []byte) bool {
	if conn := r.conn(target); conn != nil {
		return conn.enqueue(data)
	}
	if r.forwarder == nil {
		return false
	}
	if err := r.forwarder.Forward(ctx, room, target, data); err != nil {
		r.metrics.MessageDropped("forward_failed")
		r.logger.Warnw("failed to forward message to another relay",
			"room", room,
			"participant", target,
			"error", err,
		)
		return false
	}
	return true
}

// Deliver writes a frame forwarded by another instance to target's socket.
// It reports false when target is not connected here.
func (r *Relay) Deliver(room domain.RoomID, target domain.ParticipantID, data []byte) bool {
	conn := r.conn(target)
	if conn == nil || conn.room != room {
		return false
	}
	return conn.enqueue(data)
}

func (r *Relay) conn(id domain.ParticipantID) *peerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Connections reports the number of open participant sockets.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

var errRateLimited = errors.New("rate limit exceeded")
