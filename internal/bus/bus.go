// Package bus is the distribution channel: it fans domain events out to every
// live subscription that should see them.
//
// Each subscription owns a bounded buffer drained by its own goroutine, so
// Publish never waits on a slow consumer. A subscription whose buffer is full
// is dropped with model.ErrChannelSaturated; its owner must subscribe again
// and refetch state, since events published while it was gone are lost.
package bus

import (
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
)

const DefaultBuffer = 256

type Handler func(Event)

type Bus struct {
	mu     sync.RWMutex
	byUser map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		byUser: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers h for events addressed to userID and for broadcast events.
// h runs on the subscription's goroutine, one event at a time, in publish order.
func (b *Bus) Subscribe(userID string, h Handler) *Subscription {
	s := &Subscription{
		userID:  userID,
		bus:     b,
		ch:      make(chan Event, b.buffer),
		done:    make(chan struct{}),
		handler: h,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close(nil)
		return s
	}
	set, ok := b.byUser[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.byUser[userID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	metrics.Subscriptions.Inc()
	go s.run()
	return s
}

// Unsubscribe stops delivery to s. Safe to call more than once and from the handler itself.
func (b *Bus) Unsubscribe(s *Subscription) {
	if b.remove(s) {
		s.close(nil)
	}
}

// Publish enqueues ev to every matching subscription alive at call time and
// returns how many subscriptions received it. It never blocks.
func (b *Bus) Publish(ev Event) int {
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()

	b.mu.RLock()
	targets := b.targetsLocked(ev)
	b.mu.RUnlock()

	n := 0
	for _, s := range targets {
		switch s.enqueue(ev) {
		case enqueued:
			n++
		case full:
			b.drop(s)
		}
	}
	metrics.EventsDelivered.Add(float64(n))
	return n
}

func (b *Bus) targetsLocked(ev Event) []*Subscription {
	if ev.Recipients == nil {
		out := make([]*Subscription, 0, len(b.byUser))
		for _, set := range b.byUser {
			for s := range set {
				out = append(out, s)
			}
		}
		return out
	}
	out := make([]*Subscription, 0, len(ev.Recipients))
	seen := make(map[string]struct{}, len(ev.Recipients))
	for _, uid := range ev.Recipients {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		for s := range b.byUser[uid] {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) drop(s *Subscription) {
	if !b.remove(s) {
		return
	}
	metrics.SubscribersDropped.Inc()
	logger.Errorf("bus: buffer full (%d), dropping subscriber user=%s", b.buffer, s.userID)
	s.close(model.ErrChannelSaturated)
}

func (b *Bus) remove(s *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.byUser[s.userID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.byUser, s.userID)
	}
	metrics.Subscriptions.Dec()
	return true
}

// Subscribers returns the number of live subscriptions for userID.
func (b *Bus) Subscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byUser[userID])
}

// Close ends every subscription; later Subscribe calls return closed subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	all := make([]*Subscription, 0, len(b.byUser))
	for _, set := range b.byUser {
		for s := range set {
			all = append(all, s)
		}
	}
	b.byUser = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	metrics.Subscriptions.Sub(float64(len(all)))
	for _, s := range all {
		s.close(nil)
	}
}
