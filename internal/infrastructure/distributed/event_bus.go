package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"carelink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// EventSignal carries one signaling frame for a participant held by
	// another relay instance.
	EventSignal EventType = "signal.forward"
)

const channelPrefix = "carelink:relay:room:"

// Event is what relay instances exchange over Redis pub/sub.
type Event struct {
	Type       EventType            `json:"type"`
	InstanceID string               `json:"instance_id"`
	Timestamp  time.Time            `json:"timestamp"`
	Room       domain.RoomID        `json:"room"`
	Target     domain.ParticipantID `json:"target"`
	Payload    json.RawMessage      `json:"payload"`
}

// EventBus forwards signaling frames between relay instances sharing one
// Redis. Each room has its own channel; every instance listens on all of
// them with a single pattern subscription.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		now:        time.Now,
	}
}

func RoomChannel(room domain.RoomID) string {
	return channelPrefix + string(room)
}

// Forward publishes data for target on the room's channel. Whichever instance
// holds target's socket delivers it.
func (eb *EventBus) Forward(ctx context.Context, room domain.RoomID, target domain.ParticipantID, data []byte) error {
	return eb.Publish(ctx, &Event{
		Type:    EventSignal,
		Room:    room,
		Target:  target,
		Payload: json.RawMessage(data),
	})
}

// Publish publishes an event on its room's channel.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, RoomChannel(event.Room), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room", event.Room,
		"target", event.Target,
	)
	return nil
}

// Subscribe calls handler for every event another instance publishes, until
// ctx is cancelled or the bus is closed.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.PSubscribe(ctx, channelPrefix+"*")
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	// Receive confirms the subscription before any message is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Channel, msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(channel, payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"channel", channel,
			"error", err,
		)
		return
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return
	}
	if room := domain.RoomID(strings.TrimPrefix(channel, channelPrefix)); room != event.Room {
		eb.logger.Warnw("event published on the wrong room channel",
			"channel", channel,
			"room", event.Room,
		)
		return
	}

	if err := handler(&event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"room", event.Room,
			"error", err,
		)
	}
}

// Close ends a running Subscribe.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
