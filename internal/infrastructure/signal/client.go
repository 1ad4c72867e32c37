package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"carelink/internal/core/domain"
	"carelink/pkg/config"
	"carelink/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrChannelNotOpen = errors.New("signaling channel not open")
	ErrChannelClosed  = errors.New("signaling channel closed")
	ErrAlreadyOpen    = errors.New("signaling channel already open")
)

type ClientConfig struct {
	Dial           retry.Config
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Dial:           retry.DefaultConfig(),
		DialTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
}

func ClientConfigFrom(cfg *config.Config) ClientConfig {
	c := DefaultClientConfig()
	c.Dial.MaxAttempts = cfg.Signaling.DialAttempts
	c.Dial.Enabled = cfg.Signaling.DialAttempts > 0
	if cfg.Signaling.DialTimeout > 0 {
		c.DialTimeout = cfg.Signaling.DialTimeout
	}
	if cfg.Signaling.WriteTimeout > 0 {
		c.WriteTimeout = cfg.Signaling.WriteTimeout
	}
	if cfg.RateLimiting.MaxMessageSizeBytes > 0 {
		c.MaxMessageSize = cfg.RateLimiting.MaxMessageSizeBytes
	}
	return c
}

// Client is a websocket signaling channel. Messages are delivered to the
// OnMessage handler one at a time in arrival order and sent in Send order.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	mu         sync.Mutex
	conn       *websocket.Conn
	connClosed bool
	onMessage  func(*domain.Message)
	onOpen     func()
	onClose    func(error)
	onError    func(error)

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	notified  sync.Once
}

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger,
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) OnMessage(h func(*domain.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

func (c *Client) OnOpen(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = h
}

func (c *Client) OnClose(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = h
}

func (c *Client) OnError(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = h
}

// Open dials the relay, retrying transient failures with backoff. Handshake
// rejections (4xx) are not retried.
func (c *Client) Open(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	conn, err := retry.Do(ctx, c.cfg.Dial, func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()

		conn, resp, err := c.dialer.DialContext(dialCtx, url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(fmt.Errorf("relay rejected handshake: %s", resp.Status))
			}
			c.logger.Warnw("signaling dial failed", "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return fmt.Errorf("dial signaling relay: %w", err)
	}
	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = conn.Close()
		return ErrChannelClosed
	default:
	}
	c.conn = conn
	onOpen := c.onOpen
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	c.logger.Infow("signaling channel connected")
	if onOpen != nil {
		onOpen()
	}
	return nil
}

// Send queues msg for the writer goroutine. Once the channel is closed every
// Send fails with ErrChannelClosed.
func (c *Client) Send(ctx context.Context, msg *domain.Message) error {
	if c.isDone() {
		return ErrChannelClosed
	}
	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	if !open {
		return ErrChannelNotOpen
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	// done is checked again because select picks randomly among ready cases
	// and the buffered send is always ready.
	select {
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case c.send <- data:
		if c.isDone() {
			return ErrChannelClosed
		}
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.closed(nil)
			default:
				c.closed(err)
			}
			return
		}

		msg, err := domain.DecodeMessage(data)
		if err != nil {
			c.logger.Warnw("dropping undecodable signaling message", "error", err)
			c.reportError(err)
			continue
		}

		c.mu.Lock()
		h := c.onMessage
		c.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warnw("signaling write failed", "error", err)
				c.reportError(err)
				_ = conn.Close()
				return
			}
		}
	}
}

// closed tears the client down after the read side ended and notifies OnClose once.
func (c *Client) closed(err error) {
	c.shutdown()
	c.notified.Do(func() {
		if err != nil {
			c.logger.Infow("signaling channel closed by relay", "error", err)
		}
		c.mu.Lock()
		h := c.onClose
		c.mu.Unlock()
		if h != nil {
			h(err)
		}
	})
}

func (c *Client) reportError(err error) {
	c.mu.Lock()
	h := c.onError
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Close sends a close frame and releases the connection. It is idempotent.
func (c *Client) Close() error {
	c.shutdown()

	c.mu.Lock()
	conn := c.conn
	already := c.connClosed
	c.connClosed = true
	c.mu.Unlock()
	if conn == nil || already {
		return nil
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
