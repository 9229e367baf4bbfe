package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

// --- Well-known event names ---
const (
	EventConnectionStatus = "connection_status"
	EventNewMessage       = "new_message"
	EventMessageSent      = "message_sent"
	EventConnectionError  = "connection_error"

	// Wildcard subscribes to every event.
	Wildcard = "*"
)

const defaultMaxHistory = 1000

// Event is the closed set of payloads the gateway publishes.
// Switch on the concrete type to read the payload.
type Event interface {
	Name() string
	event()
}

// ConnectionStatus is published on every transport up/down transition.
type ConnectionStatus struct {
	Connected bool
}

// NewMessage is published for each normalized inbound message.
type NewMessage struct {
	Message        domain.Message
	ConversationID string
}

// MessageSent is published after a provider accepted an outbound message.
type MessageSent struct {
	Message        domain.Message
	ConversationID string
}

// ConnectionError is published when the transport gives up reconnecting.
type ConnectionError struct {
	Err error
}

func (ConnectionStatus) Name() string { return EventConnectionStatus }
func (NewMessage) Name() string       { return EventNewMessage }
func (MessageSent) Name() string      { return EventMessageSent }
func (ConnectionError) Name() string  { return EventConnectionError }

func (ConnectionStatus) event() {}
func (NewMessage) event()       {}
func (MessageSent) event()      {}
func (ConnectionError) event()  {}

// Record is an event as kept in the replay history.
type Record struct {
	Event     Event
	Timestamp time.Time
}

// Handler is a callback for events.
type Handler func(Event)

// Subscription is the opaque handle returned by On. Pass it to Off to unsubscribe.
type Subscription struct {
	name string
	id   uint64
}

// EventBus is a named-event publish/subscribe registry.
// Handlers run synchronously in registration order; a panicking handler is
// logged and does not stop the rest.
type EventBus struct {
	handlers      map[string][]namedHandler
	nextID        uint64
	mu            sync.RWMutex
	logger        *slog.Logger
	history       []Record
	maxHistory    int
	streamTimeout time.Duration
}

type namedHandler struct {
	id      uint64
	handler Handler
}

// NewEventBus creates an EventBus that keeps the last maxHistory events for Replay.
// maxHistory <= 0 selects the default of 1000.
func NewEventBus(logger *slog.Logger, maxHistory int) *EventBus {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:      make(map[string][]namedHandler),
		logger:        logger,
		maxHistory:    maxHistory,
		streamTimeout: streamPublishTimeout,
	}
}

// On registers a handler for the given event name. Use Wildcard to receive everything.
func (eb *EventBus) On(name string, handler Handler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.handlers[name] = append(eb.handlers[name], namedHandler{id: eb.nextID, handler: handler})
	return Subscription{name: name, id: eb.nextID}
}

// Off removes exactly the registration behind sub. Unknown handles are ignored.
func (eb *EventBus) Off(sub Subscription) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[sub.name]
	for i, h := range handlers {
		if h.id == sub.id {
			// Copy so a snapshot taken by an in-flight Emit stays intact.
			next := make([]namedHandler, 0, len(handlers)-1)
			next = append(next, handlers[:i]...)
			next = append(next, handlers[i+1:]...)
			if len(next) == 0 {
				delete(eb.handlers, sub.name)
			} else {
				eb.handlers[sub.name] = next
			}
			return
		}
	}
}

// Subscribe registers a callback for a single event type.
//
//	bus.Subscribe(eb, func(e bus.NewMessage) { ... })
func Subscribe[T Event](eb *EventBus, fn func(T)) Subscription {
	var zero T
	return eb.On(zero.Name(), func(e Event) {
		if v, ok := e.(T); ok {
			fn(v)
		}
	})
}

// Emit delivers ev to every handler registered for its name, then to wildcard handlers.
func (eb *EventBus) Emit(ev Event) {
	name := ev.Name()

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, Record{Event: ev, Timestamp: time.Now()})

	var handlers []namedHandler
	handlers = append(handlers, eb.handlers[name]...)
	handlers = append(handlers, eb.handlers[Wildcard]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", name, "handler", nh.id, "panic", r)
				}
			}()
			nh.handler(ev)
		}(h)
	}
}

// Replay returns historical events with the given name since the given time.
// Use Wildcard for all events.
func (eb *EventBus) Replay(name string, since time.Time) []Record {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Record
	for _, r := range eb.history {
		if r.Timestamp.Before(since) {
			continue
		}
		if name == Wildcard || r.Event.Name() == name {
			result = append(result, r)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Len reports how many handlers are registered for name.
func (eb *EventBus) Len(name string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[name])
}
