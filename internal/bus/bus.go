package bus

import (
	"sync"
	"time"
)

const streamPublishTimeout = 10 * time.Second

// Stream delivers events to a consumer over a buffered channel instead of a callback,
// so a slow consumer running in its own goroutine only delays the producer up to
// the bus stream timeout before events are dropped.
type Stream struct {
	ch     chan Event
	sub    Subscription
	eb     *EventBus
	mu     sync.RWMutex
	closed bool
}

// Stream subscribes a buffered channel to the named event (or Wildcard).
func (eb *EventBus) Stream(name string, bufferSize int) *Stream {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	s := &Stream{
		ch: make(chan Event, bufferSize),
		eb: eb,
	}
	s.sub = eb.On(name, s.deliver)
	return s
}

// C returns the receive side of the stream. It is closed by Close.
func (s *Stream) C() <-chan Event {
	return s.ch
}

// Blocks up to the stream timeout if the buffer is full instead of dropping.
func (s *Stream) deliver(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
	default:
		s.eb.logger.Warn("event stream full, waiting...", "event", ev.Name())
		timer := time.NewTimer(s.eb.streamTimeout)
		defer timer.Stop()
		select {
		case s.ch <- ev:
		case <-timer.C:
			s.eb.logger.Error("event dropped: stream full", "event", ev.Name(), "timeout", s.eb.streamTimeout)
		}
	}
}

// Close unsubscribes the stream and closes its channel.
func (s *Stream) Close() {
	s.eb.Off(s.sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
