// Package bus carries the engine's lifecycle events and the raw inbound
// event type handed over by transport adapters. Emission is synchronous; a
// subscriber failure is logged and never propagates back to the producer.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/pkg/protocol"
)

// InboundEvent is a raw message delivered by a transport adapter. Adapters
// verify webhook signatures and call the engine exactly once per delivered
// message.
type InboundEvent struct {
	Content       string            `json:"content"`
	ChannelUserID string            `json:"channel_user_id"`
	Channel       protocol.Channel  `json:"channel"`
	SenderName    string            `json:"sender_name,omitempty"`
	MessageID     string            `json:"message_id,omitempty"` // transport message id, used for dedup
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Event is one engine lifecycle event. Kind selects which payload fields are
// set: every event carries Conversation and Contact; message events carry
// Message; handoff carries Reason.
type Event struct {
	Kind         string
	Conversation *conversations.Conversation
	Contact      *contacts.Contact
	Message      *conversations.Message
	Reason       string
	Data         map[string]any // payload for non-conversation events
	At           time.Time
}

// Handler consumes one event. Handlers run synchronously on the emitting
// goroutine; long work belongs in the handler's own goroutine.
type Handler func(Event)

// Bus is a typed, bounded pub/sub bus keyed by event kind.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h for one event kind.
func (b *Bus) Subscribe(kind string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers h for every event kind.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit delivers ev synchronously to all matching subscribers, in
// subscription order. A panicking subscriber is logged and skipped.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	kindHandlers := b.handlers[ev.Kind]
	allHandlers := b.all
	b.mu.RUnlock()

	for _, h := range kindHandlers {
		safeInvoke(h, ev)
	}
	for _, h := range allHandlers {
		safeInvoke(h, ev)
	}
}

func safeInvoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event subscriber panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	h(ev)
}
