// Package syncer keeps a per-client mirror of the chat directory: the user's
// chats, the message log of the selected chat and the set of online users.
//
// The mirror subscribes to the bus before fetching, buffers events while a
// fetch is in flight and replays them afterwards. Applying an event is
// idempotent (messages are keyed by id and ordered by seq), so replays and
// at-least-once delivery never duplicate state. When the bus drops the
// subscription, the synchronizer subscribes again and refetches everything.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
)

const retryDelay = 500 * time.Millisecond

// Source is the authoritative side, as seen by the mirrored user.
type Source interface {
	ListChats(ctx context.Context) ([]model.Chat, error)
	SelectChat(ctx context.Context, chatID string) ([]model.Message, error)
	OnlineUsers(ctx context.Context) ([]model.User, error)
}

type Option func(*Synchronizer)

// OnMessage registers a hook for messages the mirror has not seen before.
// It runs on the delivery goroutine and must not block.
func OnMessage(fn func(*model.Message)) Option {
	return func(s *Synchronizer) { s.onMessage = fn }
}

type Synchronizer struct {
	src    Source
	bus    *bus.Bus
	userID string

	onMessage func(*model.Message)

	mu       sync.Mutex
	chats    map[string]*model.Chat
	online   map[string]model.User
	selected string
	messages []model.Message
	msgIDs   map[string]struct{}
	sub      *bus.Subscription
	gen      int
	syncing  bool
	pending  []bus.Event

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a synchronizer for userID. ctx passed to Start must carry the
// identity that src expects for that user.
func New(src Source, b *bus.Bus, userID string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		src:    src,
		bus:    b,
		userID: userID,
		chats:  make(map[string]*model.Chat),
		online: make(map[string]model.User),
		msgIDs: make(map[string]struct{}),
		kick:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start subscribes and performs the initial fetch.
func (s *Synchronizer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := s.connect(ctx); err != nil {
		cancel()
		s.unsubscribe()
		return fmt.Errorf("syncer.Start: %w", err)
	}
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop unsubscribes and waits for the background loop.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.unsubscribe()
}

func (s *Synchronizer) connect(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()
	sub := s.bus.Subscribe(s.userID, func(ev bus.Event) { s.handle(gen, ev) })
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return s.Resync(ctx)
}

func (s *Synchronizer) unsubscribe() {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		s.bus.Unsubscribe(sub)
	}
}

func (s *Synchronizer) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			metrics.Resyncs.WithLabelValues("unknown_chat").Inc()
			if err := s.Resync(ctx); err != nil {
				logger.Errorf("syncer resync user=%s: %v", s.userID, err)
			}
			continue
		case <-sub.Done():
		}

		if !errors.Is(sub.Err(), model.ErrChannelSaturated) {
			// отписка снаружи или закрытие шины
			return
		}
		metrics.Resyncs.WithLabelValues("saturated").Inc()
		logger.Infof("syncer user=%s dropped by bus, resubscribing", s.userID)
		for {
			err := s.connect(ctx)
			if err == nil {
				break
			}
			logger.Errorf("syncer reconnect user=%s: %v", s.userID, err)
			s.unsubscribe()
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
		}
	}
}

// Resync replaces the mirror with a fresh fetch of the chat list, the online
// users and the selected chat's log. Events delivered meanwhile are replayed
// on top of the fetched state.
func (s *Synchronizer) Resync(ctx context.Context) error {
	defer logger.DeferLogDuration("syncer.Resync", time.Now())()
	s.mu.Lock()
	s.syncing = true
	s.pending = nil
	selected := s.selected
	s.mu.Unlock()

	chats, online, msgs, err := s.fetch(ctx, selected)

	s.mu.Lock()
	if err == nil {
		s.chats = make(map[string]*model.Chat, len(chats))
		for i := range chats {
			c := chats[i]
			s.chats[c.ID] = &c
		}
		s.online = make(map[string]model.User, len(online))
		for _, u := range online {
			s.online[u.ID] = u
		}
		if s.selected == selected {
			s.replaceMessagesLocked(msgs)
			if c, ok := s.chats[selected]; ok {
				c.UnreadCount = 0
			}
		}
	}
	pending := s.pending
	s.pending = nil
	s.syncing = false
	var fresh []*model.Message
	for _, ev := range pending {
		if m := s.applyLocked(ev); m != nil {
			fresh = append(fresh, m)
		}
	}
	s.mu.Unlock()

	s.notify(fresh)
	if err != nil {
		return fmt.Errorf("syncer.Resync: %w", err)
	}
	return nil
}

func (s *Synchronizer) fetch(ctx context.Context, selected string) ([]model.Chat, []model.User, []model.Message, error) {
	chats, err := s.src.ListChats(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	online, err := s.src.OnlineUsers(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	var msgs []model.Message
	if selected != "" {
		if msgs, err = s.src.SelectChat(ctx, selected); err != nil {
			return nil, nil, nil, err
		}
	}
	return chats, online, msgs, nil
}

// SelectChat opens chatID: the mirror's log is replaced by the authoritative
// one and the chat's unread counter drops to zero. Messages published while
// the fetch is in flight are merged, not lost.
func (s *Synchronizer) SelectChat(ctx context.Context, chatID string) error {
	defer logger.DeferLogDuration("syncer.SelectChat", time.Now())()
	s.mu.Lock()
	prevSelected := s.selected
	s.selected = chatID
	s.messages = nil
	s.msgIDs = make(map[string]struct{})
	s.mu.Unlock()

	msgs, err := s.src.SelectChat(ctx, chatID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.selected == chatID {
			s.selected = prevSelected
			s.messages = nil
			s.msgIDs = make(map[string]struct{})
		}
		return fmt.Errorf("syncer.SelectChat: %w", err)
	}
	if s.selected != chatID {
		return nil
	}
	s.replaceMessagesLocked(msgs)
	if c, ok := s.chats[chatID]; ok {
		c.UnreadCount = 0
	}
	return nil
}

// replaceMessagesLocked merges fetched with whatever arrived for the selected
// chat meanwhile, ordered by seq.
func (s *Synchronizer) replaceMessagesLocked(fetched []model.Message) {
	merged := make([]model.Message, 0, len(fetched)+len(s.messages))
	ids := make(map[string]struct{}, cap(merged))
	for _, list := range [][]model.Message{fetched, s.messages} {
		for _, m := range list {
			if _, dup := ids[m.ID]; dup {
				continue
			}
			ids[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	s.messages = merged
	s.msgIDs = ids
}

// ApplyEvent folds one event into the mirror. Safe to call with duplicates.
func (s *Synchronizer) ApplyEvent(ev bus.Event) {
	s.mu.Lock()
	m := s.applyLocked(ev)
	s.mu.Unlock()
	if m != nil {
		s.notify([]*model.Message{m})
	}
}

func (s *Synchronizer) handle(gen int, ev bus.Event) {
	s.mu.Lock()
	// события от прежней, уже сброшенной подписки
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.syncing {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	m := s.applyLocked(ev)
	s.mu.Unlock()
	if m != nil {
		s.notify([]*model.Message{m})
	}
}

// applyLocked returns the message when ev carried one the mirror had not seen.
func (s *Synchronizer) applyLocked(ev bus.Event) *model.Message {
	switch ev.Type {
	case bus.EventMessage:
		return s.applyMessageLocked(ev.Message)
	case bus.EventChatCreated:
		if ev.Chat == nil {
			return nil
		}
		if _, ok := s.chats[ev.Chat.ID]; !ok {
			c := *ev.Chat
			c.Participants = append([]model.User(nil), ev.Chat.Participants...)
			s.chats[c.ID] = &c
		}
	case bus.EventUserOnline:
		if ev.User != nil {
			s.online[ev.User.ID] = *ev.User
			s.setParticipantOnlineLocked(ev.User.ID, true)
		}
	case bus.EventUserOffline:
		delete(s.online, ev.UserID)
		s.setParticipantOnlineLocked(ev.UserID, false)
	}
	return nil
}

func (s *Synchronizer) applyMessageLocked(m *model.Message) *model.Message {
	if m == nil {
		return nil
	}
	c, ok := s.chats[m.ChatID]
	if !ok {
		// чат ещё не известен (событие о создании потеряно или не дошло) — перезапрашиваем всё
		select {
		case s.kick <- struct{}{}:
		default:
		}
		return nil
	}

	isNew := c.LastMessage == nil || m.Seq > c.LastMessage.Seq
	if isNew {
		cp := *m
		c.LastMessage = &cp
		if m.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = m.CreatedAt
		}
		if m.SenderID != s.userID && s.selected != m.ChatID {
			c.UnreadCount++
		}
	}

	if s.selected == m.ChatID {
		if _, seen := s.msgIDs[m.ID]; !seen {
			s.msgIDs[m.ID] = struct{}{}
			s.insertMessageLocked(*m)
		}
	}
	if !isNew {
		return nil
	}
	cp := *m
	return &cp
}

func (s *Synchronizer) insertMessageLocked(m model.Message) {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].Seq > m.Seq })
	s.messages = append(s.messages, model.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *Synchronizer) setParticipantOnlineLocked(userID string, online bool) {
	for _, c := range s.chats {
		for i := range c.Participants {
			if c.Participants[i].ID == userID {
				c.Participants[i].IsOnline = online
			}
		}
	}
}

func (s *Synchronizer) notify(msgs []*model.Message) {
	if s.onMessage == nil {
		return
	}
	for _, m := range msgs {
		s.onMessage(m)
	}
}

// Chats returns the mirrored chats, most recently active first.
func (s *Synchronizer) Chats() []model.Chat {
	s.mu.Lock()
	out := make([]model.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		cp := *c
		cp.Participants = append([]model.User(nil), c.Participants...)
		out = append(out, cp)
	}
	s.mu.Unlock()
	model.SortByActivity(out)
	return out
}

// Chat returns one mirrored chat.
func (s *Synchronizer) Chat(chatID string) (model.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return model.Chat{}, false
	}
	cp := *c
	cp.Participants = append([]model.User(nil), c.Participants...)
	return cp, true
}

func (s *Synchronizer) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Messages returns the mirrored log of the selected chat in seq order.
func (s *Synchronizer) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

// OnlineUsers returns known online users ordered by id.
func (s *Synchronizer) OnlineUsers() []model.User {
	s.mu.Lock()
	out := make([]model.User, 0, len(s.online))
	for _, u := range s.online {
		out = append(out, u)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
