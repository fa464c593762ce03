package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

// CreateChat creates a chat between the caller and participantIDs. The caller
// is always a participant and duplicates are removed; fewer than two distinct
// users, or a direct chat with more than two, fail with ErrInvalidParticipants.
// A direct chat between two users who already share one returns the existing chat.
func (s *Service) CreateChat(ctx context.Context, participantIDs []string, isGroup bool, name string) (*model.Chat, error) {
	defer logger.DeferLogDuration("service.CreateChat", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}

	ids := normalizeParticipants(u.ID, participantIDs)
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 distinct users, got %d", model.ErrInvalidParticipants, len(ids))
	}
	if !isGroup && len(ids) != 2 {
		return nil, fmt.Errorf("%w: direct chat needs exactly 2 users, got %d", model.ErrInvalidParticipants, len(ids))
	}
	name = strings.TrimSpace(name)
	if !isGroup {
		name = ""
	}

	if !isGroup {
		// пара пользователей сериализуется, чтобы два одновременных запроса не создали два личных чата
		pair := []string{ids[0], ids[1]}
		sort.Strings(pair)
		unlock, err := s.locks.Lock(ctx, "direct:"+pair[0]+":"+pair[1])
		if err != nil {
			return nil, fmt.Errorf("service.CreateChat: %w", err)
		}
		defer unlock()

		existing, err := s.store.FindDirectChat(ctx, ids[0], ids[1])
		switch {
		case err == nil:
			return s.chatView(ctx, existing, u.ID)
		case !errors.Is(err, model.ErrChatNotFound):
			return nil, fmt.Errorf("service.CreateChat find direct: %w", err)
		}
	}

	if _, err := s.store.GetUsers(ctx, ids); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("service.CreateChat id: %w", err)
	}
	now := s.now().Truncate(time.Microsecond)
	rec := &model.ChatRecord{
		ID:             id.String(),
		Name:           name,
		IsGroup:        isGroup,
		CreatedBy:      u.ID,
		ParticipantIDs: ids,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateChat(ctx, rec); err != nil {
		return nil, fmt.Errorf("service.CreateChat: %w", err)
	}

	chat, err := s.chatView(ctx, rec, u.ID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.ChatCreated(chat, rec.ParticipantIDs))
	logger.Infof("chat created id=%s by=%s group=%v members=%d", rec.ID, u.ID, isGroup, len(ids))
	return chat, nil
}

// normalizeParticipants puts the requester first, drops blanks and duplicates,
// and keeps the remaining order.
func normalizeParticipants(requesterID string, ids []string) []string {
	out := make([]string, 0, len(ids)+1)
	seen := make(map[string]struct{}, len(ids)+1)
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(requesterID)
	for _, id := range ids {
		add(id)
	}
	return out
}

// GetChat returns chatID as seen by the caller.
func (s *Service) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	defer logger.DeferLogDuration("service.GetChat", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.memberChat(ctx, chatID, u.ID)
	if err != nil {
		return nil, err
	}
	return s.chatView(ctx, rec, u.ID)
}

// ListChats returns the caller's chats, most recently active first.
func (s *Service) ListChats(ctx context.Context) ([]model.Chat, error) {
	defer logger.DeferLogDuration("service.ListChats", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ListChatsForUser(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("service.ListChats: %w", err)
	}
	unread, err := s.store.UnreadCounts(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("service.ListChats unread: %w", err)
	}

	userIDs := make([]string, 0, len(recs)*2)
	seen := make(map[string]struct{})
	for i := range recs {
		for _, id := range recs[i].ParticipantIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				userIDs = append(userIDs, id)
			}
		}
	}
	users, err := s.store.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("service.ListChats users: %w", err)
	}
	byID := make(map[string]model.User, len(users))
	for _, pu := range s.withPresence(users) {
		byID[pu.ID] = pu
	}

	chats := make([]model.Chat, 0, len(recs))
	for i := range recs {
		c, err := s.assemble(ctx, &recs[i], byID, unread[recs[i].ID])
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	model.SortByActivity(chats)
	return chats, nil
}

// chatView builds the per-user view of one chat.
func (s *Service) chatView(ctx context.Context, rec *model.ChatRecord, userID string) (*model.Chat, error) {
	users, err := s.store.GetUsers(ctx, rec.ParticipantIDs)
	if err != nil {
		return nil, fmt.Errorf("service.chatView users: %w", err)
	}
	byID := make(map[string]model.User, len(users))
	for _, pu := range s.withPresence(users) {
		byID[pu.ID] = pu
	}
	unread, err := s.store.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service.chatView unread: %w", err)
	}
	return s.assemble(ctx, rec, byID, unread[rec.ID])
}

func (s *Service) assemble(ctx context.Context, rec *model.ChatRecord, users map[string]model.User, unread int) (*model.Chat, error) {
	c := &model.Chat{
		ID:           rec.ID,
		Name:         rec.Name,
		IsGroup:      rec.IsGroup,
		CreatedBy:    rec.CreatedBy,
		Participants: make([]model.User, 0, len(rec.ParticipantIDs)),
		UnreadCount:  unread,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	for _, id := range rec.ParticipantIDs {
		if pu, ok := users[id]; ok {
			c.Participants = append(c.Participants, pu)
		}
	}
	if rec.LastMessageID != "" {
		m, err := s.store.GetMessage(ctx, rec.LastMessageID)
		if err != nil {
			return nil, fmt.Errorf("service.assemble last message %s: %w", rec.LastMessageID, err)
		}
		c.LastMessage = m
	}
	return c, nil
}

// SelectChat marks chatID as the chat the caller has open: its unread counter
// drops to zero, messages from others become read, and new messages stop
// counting as unread until another chat is selected or the caller disconnects.
// Returns the full message log of the chat.
func (s *Service) SelectChat(ctx context.Context, chatID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("service.SelectChat", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, chatKey(chatID))
	if err != nil {
		return nil, fmt.Errorf("service.SelectChat: %w", err)
	}
	if _, err := s.memberChat(ctx, chatID, u.ID); err != nil {
		unlock()
		return nil, err
	}
	if err := s.store.ResetUnread(ctx, chatID, u.ID); err != nil {
		unlock()
		return nil, fmt.Errorf("service.SelectChat reset: %w", err)
	}
	if _, err := s.store.MarkRead(ctx, chatID, u.ID); err != nil {
		unlock()
		return nil, fmt.Errorf("service.SelectChat mark read: %w", err)
	}
	// под блокировкой чата: между сбросом счётчика и отметкой не вклинится ни одно сообщение
	s.setSelected(u.ID, chatID)
	unlock()

	msgs, err := s.store.ListMessages(ctx, chatID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("service.SelectChat list: %w", err)
	}
	return msgs, nil
}

// Typing notifies the other participants of chatID that the caller is typing.
func (s *Service) Typing(ctx context.Context, chatID string) error {
	u, err := s.caller(ctx)
	if err != nil {
		return err
	}
	rec, err := s.memberChat(ctx, chatID, u.ID)
	if err != nil {
		return err
	}
	others := make([]string, 0, len(rec.ParticipantIDs)-1)
	for _, id := range rec.ParticipantIDs {
		if id != u.ID {
			others = append(others, id)
		}
	}
	s.bus.Publish(bus.Typing(chatID, u.ID, others))
	return nil
}
