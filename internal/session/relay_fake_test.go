package session

import (
	"context"
	"encoding/json"
	"sync"

	"carelink/internal/core/domain"
)

// memoryRelay is an in-process two-party room with the same join/leave
// notifications as the websocket relay.
type memoryRelay struct {
	mu      sync.Mutex
	members []*memoryChannel
	log     []domain.MessageType
}

func (r *memoryRelay) join(c *memoryChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.members {
		c.push(&domain.Message{
			Type:     domain.MessageParticipantJoined,
			UserID:   domain.ParticipantID(other.name),
			UserName: other.name,
		})
	}
	r.members = append(r.members, c)
}

func (r *memoryRelay) leave(c *memoryChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.members[:0]
	for _, m := range r.members {
		if m != c {
			kept = append(kept, m)
		}
	}
	r.members = kept
	for _, m := range r.members {
		m.push(&domain.Message{Type: domain.MessageParticipantLeft})
	}
}

func (r *memoryRelay) forward(from *memoryChannel, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, msg.Type)
	for _, m := range r.members {
		if m == from {
			continue
		}
		copied, err := domain.DecodeMessage(data)
		if err != nil {
			return err
		}
		m.push(copied)
	}
	return nil
}

func (r *memoryRelay) count(t domain.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.log {
		if got == t {
			n++
		}
	}
	return n
}

func (r *memoryRelay) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

type memoryChannel struct {
	relay *memoryRelay
	name  string

	mu        sync.Mutex
	url       string
	onMessage func(*domain.Message)
	onOpen    func()
	onClose   func(error)
	onError   func(error)

	inbox     chan *domain.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newMemoryChannel(relay *memoryRelay, name string) *memoryChannel {
	return &memoryChannel{
		relay: relay,
		name:  name,
		inbox: make(chan *domain.Message, 256),
		done:  make(chan struct{}),
	}
}

func (c *memoryChannel) Open(ctx context.Context, url string) error {
	c.mu.Lock()
	c.url = url
	onOpen := c.onOpen
	c.mu.Unlock()

	go c.read()
	if onOpen != nil {
		onOpen()
	}
	c.relay.join(c)
	return nil
}

func (c *memoryChannel) read() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbox:
			c.mu.Lock()
			h := c.onMessage
			c.mu.Unlock()
			if h != nil {
				h(msg)
			}
		}
	}
}

func (c *memoryChannel) push(msg *domain.Message) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

// inject delivers a message as if another participant had sent it.
func (c *memoryChannel) inject(msg *domain.Message) { c.push(msg) }

func (c *memoryChannel) Send(ctx context.Context, msg *domain.Message) error {
	select {
	case <-c.done:
		return context.Canceled
	default:
	}
	return c.relay.forward(c, msg)
}

func (c *memoryChannel) OnMessage(h func(*domain.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

func (c *memoryChannel) OnOpen(h func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = h
}

func (c *memoryChannel) OnClose(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = h
}

func (c *memoryChannel) OnError(h func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = h
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.relay.leave(c)
		c.mu.Lock()
		h := c.onClose
		c.mu.Unlock()
		if h != nil {
			h(nil)
		}
	})
	return nil
}

func (c *memoryChannel) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}
