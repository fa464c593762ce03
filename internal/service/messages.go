package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

// SendMessage appends a message from the caller to chatID and publishes it to
// every participant. A send that does not complete within the send timeout
// fails with model.ErrTransportFailure and stores nothing.
func (s *Service) SendMessage(ctx context.Context, chatID, content string, kind model.Kind) (m *model.Message, err error) {
	defer logger.DeferLogDuration("service.SendMessage", time.Now())()
	start := time.Now()
	defer func() { observeSend(start, err) }()

	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = model.KindText
	}
	// system-сообщения создаёт только сервер
	if !kind.Valid() || kind == model.KindSystem {
		return nil, fmt.Errorf("%w: unknown kind %q", model.ErrInvalidMessage, kind)
	}
	// текст хранится как есть; пробельное сообщение считается пустым
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", model.ErrInvalidMessage)
	}
	return s.appendMessage(ctx, u, chatID, content, kind, "")
}

// SendFileMessage stores the payload through the blob store and sends its
// reference as an image or file message.
func (s *Service) SendFileMessage(ctx context.Context, chatID, fileName string, r io.Reader) (m *model.Message, err error) {
	defer logger.DeferLogDuration("service.SendFileMessage", time.Now())()
	start := time.Now()
	defer func() { observeSend(start, err) }()

	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("%w: file messages are disabled", model.ErrInvalidMessage)
	}
	// проверка членства до записи файла: не храним вложения посторонних
	if _, err := s.memberChat(ctx, chatID, u.ID); err != nil {
		return nil, err
	}
	ref, kind, err := s.blobs.Save(ctx, fileName, r)
	if err != nil {
		return nil, fmt.Errorf("service.SendFileMessage: %w", err)
	}
	return s.appendMessage(ctx, u, chatID, ref, kind, filepath.Base(fileName))
}

func (s *Service) appendMessage(ctx context.Context, u *model.User, chatID, content string, kind model.Kind, fileName string) (*model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, chatKey(chatID))
	if err != nil {
		return nil, transportErr(err)
	}
	defer unlock()

	rec, err := s.memberChat(ctx, chatID, u.ID)
	if err != nil {
		return nil, transportErr(err)
	}

	// createdAt строго растёт внутри чата: порядок (created_at, id) совпадает с seq
	// даже если часы отступили назад
	createdAt := s.now().Truncate(time.Microsecond)
	if !createdAt.After(rec.UpdatedAt) {
		createdAt = rec.UpdatedAt.Add(time.Microsecond)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("service.appendMessage id: %w", err)
	}
	m := &model.Message{
		ID:              id.String(),
		ChatID:          chatID,
		Seq:             rec.LastSeq + 1,
		SenderID:        u.ID,
		SenderName:      u.Username,
		SenderAvatarRef: u.AvatarRef,
		Content:         content,
		Kind:            kind,
		FileName:        fileName,
		CreatedAt:       createdAt,
	}

	unreadFor := make([]string, 0, len(rec.ParticipantIDs))
	for _, pid := range rec.ParticipantIDs {
		if pid != u.ID && s.SelectedChat(pid) != chatID {
			unreadFor = append(unreadFor, pid)
		}
	}

	if err := s.store.AppendMessage(ctx, m, unreadFor); err != nil {
		return nil, transportErr(err)
	}
	s.bus.Publish(bus.NewMessage(m, rec.ParticipantIDs))
	return m, nil
}

// ListMessages returns messages of chatID with seq > afterSeq in ascending
// order. limit <= 0 returns the rest of the log.
func (s *Service) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("service.ListMessages", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberChat(ctx, chatID, u.ID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, chatID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("service.ListMessages: %w", err)
	}
	return msgs, nil
}

func chatKey(chatID string) string { return "chat:" + chatID }

func observeSend(start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SendDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
