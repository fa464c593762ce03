// Package memory хранит пользователей, чаты и сообщения в памяти процесса.
// Используется в тестах и в режиме -memory (без PostgreSQL).
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
)

var _ storage.Store = (*Client)(nil)

type member struct {
	unread int
}

type chatEntry struct {
	rec     model.ChatRecord
	members map[string]*member
	msgs    []*model.Message
}

type Client struct {
	mu      sync.RWMutex
	users   map[string]model.User
	friends map[string]map[string]struct{}
	chats   map[string]*chatEntry
	byID    map[string]*model.Message
}

func New() *Client {
	return &Client{
		users:   make(map[string]model.User),
		friends: make(map[string]map[string]struct{}),
		chats:   make(map[string]*chatEntry),
		byID:    make(map[string]*model.Message),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) UpsertUser(ctx context.Context, u *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := *u
	stored.IsOnline = false
	if prev, ok := c.users[u.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	c.users[u.ID] = stored
	return nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return &u, nil
}

func (c *Client) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usersLocked(ids)
}

func (c *Client) usersLocked(ids []string) ([]model.User, error) {
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		u, ok := c.users[id]
		if !ok {
			return nil, fmt.Errorf("user %s: %w", id, model.ErrUserNotFound)
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *Client) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]model.User, error) {
	q := strings.ToLower(query)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.User, 0, 8)
	for _, u := range c.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.Email), q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Client) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[userID]
	if !ok {
		return model.ErrUserNotFound
	}
	t := at
	u.LastSeenAt = &t
	c.users[userID] = u
	return nil
}

func (c *Client) AddFriend(ctx context.Context, userID, friendID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[friendID]; !ok {
		return model.ErrUserNotFound
	}
	set, ok := c.friends[userID]
	if !ok {
		set = make(map[string]struct{})
		c.friends[userID] = set
	}
	set[friendID] = struct{}{}
	return nil
}

func (c *Client) IsFriend(ctx context.Context, userID, friendID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.friends[userID][friendID]
	return ok, nil
}

func (c *Client) ListFriends(ctx context.Context, userID string) ([]model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.User, 0, len(c.friends[userID]))
	for id := range c.friends[userID] {
		if u, ok := c.users[id]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (c *Client) CreateChat(ctx context.Context, rec *model.ChatRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.chats[rec.ID]; exists {
		return fmt.Errorf("memory.CreateChat: duplicate id %s", rec.ID)
	}
	if _, err := c.usersLocked(rec.ParticipantIDs); err != nil {
		return err
	}
	e := &chatEntry{rec: *rec, members: make(map[string]*member, len(rec.ParticipantIDs))}
	e.rec.ParticipantIDs = append([]string(nil), rec.ParticipantIDs...)
	for _, id := range rec.ParticipantIDs {
		e.members[id] = &member{}
	}
	c.chats[rec.ID] = e
	return nil
}

func (c *Client) GetChat(ctx context.Context, id string) (*model.ChatRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.chats[id]
	if !ok {
		return nil, model.ErrChatNotFound
	}
	return e.record(), nil
}

func (e *chatEntry) record() *model.ChatRecord {
	rec := e.rec
	rec.ParticipantIDs = append([]string(nil), e.rec.ParticipantIDs...)
	return &rec
}

func (c *Client) ListChatsForUser(ctx context.Context, userID string) ([]model.ChatRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.ChatRecord, 0, 16)
	for _, e := range c.chats {
		if _, ok := e.members[userID]; ok {
			out = append(out, *e.record())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *Client) FindDirectChat(ctx context.Context, a, b string) (*model.ChatRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.chats {
		if e.rec.IsGroup || len(e.members) != 2 {
			continue
		}
		_, okA := e.members[a]
		_, okB := e.members[b]
		if okA && okB {
			return e.record(), nil
		}
	}
	return nil, model.ErrChatNotFound
}

func (c *Client) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int)
	for id, e := range c.chats {
		if m, ok := e.members[userID]; ok {
			out[id] = m.unread
		}
	}
	return out, nil
}

func (c *Client) ResetUnread(ctx context.Context, chatID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.chats[chatID]
	if !ok {
		return model.ErrChatNotFound
	}
	if m, ok := e.members[userID]; ok {
		m.unread = 0
	}
	return nil
}

func (c *Client) AppendMessage(ctx context.Context, m *model.Message, unreadFor []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// проверяем контекст под блокировкой: после этой точки запись гарантированно применяется целиком
	if err := ctx.Err(); err != nil {
		return err
	}
	e, ok := c.chats[m.ChatID]
	if !ok {
		return model.ErrChatNotFound
	}
	if m.Seq != e.rec.LastSeq+1 {
		return fmt.Errorf("memory.AppendMessage: seq %d, want %d: %w", m.Seq, e.rec.LastSeq+1, storage.ErrSeqConflict)
	}
	if _, dup := c.byID[m.ID]; dup {
		return fmt.Errorf("memory.AppendMessage: duplicate id %s", m.ID)
	}
	stored := *m
	e.msgs = append(e.msgs, &stored)
	c.byID[m.ID] = &stored
	e.rec.LastSeq = m.Seq
	e.rec.LastMessageID = m.ID
	e.rec.UpdatedAt = m.CreatedAt
	for _, uid := range unreadFor {
		if mem, ok := e.members[uid]; ok {
			mem.unread++
		}
	}
	return nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("message %s: not found", id)
	}
	cp := *m
	return &cp, nil
}

func (c *Client) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.chats[chatID]
	if !ok {
		return nil, model.ErrChatNotFound
	}
	// msgs хранятся в порядке добавления, seq плотный и начинается с 1
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start > len(e.msgs) {
		start = len(e.msgs)
	}
	end := len(e.msgs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]model.Message, 0, end-start)
	for _, m := range e.msgs[start:end] {
		out = append(out, *m)
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, chatID, readerID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.chats[chatID]
	if !ok {
		return 0, model.ErrChatNotFound
	}
	n := 0
	for _, m := range e.msgs {
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}
