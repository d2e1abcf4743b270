// Package event provides an in-process pub/sub feed of lifecycle and audit
// events, built on watermill's gochannel. It is an observability feed
// (served over SSE and used by tests); it never carries messages to the
// human, which always go through the session's channel.
package event

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType represents the type of event.
type EventType string

const (
	SessionCreated  EventType = "session.created"
	SessionUpdated  EventType = "session.updated"
	SessionDeleted  EventType = "session.deleted"
	SessionAttached EventType = "session.attached"
	SessionDetached EventType = "session.detached"

	WorkspaceFileAdded EventType = "workspace.file.added"

	PermissionDecided    EventType = "permission.decided"
	PermissionOverridden EventType = "permission.overridden"

	QuestionAsked    EventType = "question.asked"
	QuestionResolved EventType = "question.resolved"
)

// AuditTopic is the watermill topic every event is mirrored to as JSON.
const AuditTopic = "bassi.events"

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// Metadata keys set on every mirrored watermill message.
const (
	MetaType      = "type"
	MetaSessionID = "sessionID"
)

// anyType keys the subscribers of every event type.
const anyType EventType = ""

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus dispatches events to typed subscribers directly and mirrors them as
// JSON to a watermill GoChannel topic for stream consumers (Bus.Messages).
type Bus struct {
	mu          sync.RWMutex
	pubsub      *gochannel.GoChannel
	subscribers map[EventType][]subscriberEntry
	nextID      atomic.Uint64
	closed      bool
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	id := b.nextID.Add(1)
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subscribers[eventType] = slices.DeleteFunc(b.subscribers[eventType], func(e subscriberEntry) bool {
			return e.id == id
		})
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.Subscribe(anyType, fn)
}

// collect returns the subscribers for an event, or false when closed.
func (b *Bus) collect(t EventType) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}

	keys := []EventType{anyType}
	if t != anyType {
		keys = append(keys, t)
	}
	var subs []Subscriber
	for _, key := range keys {
		for _, entry := range b.subscribers[key] {
			subs = append(subs, entry.fn)
		}
	}
	return subs, true
}

// Publish sends an event to all subscribers, each in its own goroutine.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	b.mirror(event)
	for _, sub := range subs {
		go sub(event)
	}
}

// PublishSync sends an event to all subscribers synchronously.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	b.mirror(event)
	for _, sub := range subs {
		sub(event)
	}
}

// mirror forwards the event to the watermill topic. GoChannel drops
// messages published to a topic with no subscribers.
func (b *Bus) mirror(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetaType, string(event.Type))
	if id := SessionID(event); id != "" {
		msg.Metadata.Set(MetaSessionID, id)
	}
	_ = b.pubsub.Publish(AuditTopic, msg)
}

// Messages subscribes to the JSON mirror of every event published after
// the call. The channel closes when ctx is done or the bus is closed.
// Consumers must Ack each message before the next one is delivered.
func (b *Bus) Messages(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, AuditTopic)
}

// Close drops all subscribers and closes the watermill channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.mu.Unlock()

	return b.pubsub.Close()
}
