package bus

import (
	"sync"

	"github.com/chatsync/internal/logger"
)

type enqueueResult int

const (
	enqueued enqueueResult = iota
	gone
	full
)

// Subscription binds one consumer (a WebSocket session, a synchronizer, a
// responder) to a user identity.
type Subscription struct {
	userID  string
	bus     *Bus
	ch      chan Event
	handler Handler

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *Subscription) UserID() string { return s.userID }

// Done is closed when the subscription ends, either by Unsubscribe or by a drop.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is model.ErrChannelSaturated after a drop and nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) enqueue(ev Event) enqueueResult {
	select {
	case <-s.done:
		return gone
	default:
	}
	select {
	case s.ch <- ev:
		return enqueued
	default:
		return full
	}
}

func (s *Subscription) run() {
	for {
		// done has priority: nothing is delivered after the subscription ends
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.deliver(ev)
		}
	}
}

func (s *Subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("bus: handler panic user=%s event=%s: %v", s.userID, ev.Type, r)
		}
	}()
	if s.handler != nil {
		s.handler(ev)
	}
}
