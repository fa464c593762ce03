package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

// EnsureUser registers or refreshes a user known to the identity provider.
// A missing username is derived from the email.
func (s *Service) EnsureUser(ctx context.Context, u *model.User) (*model.User, error) {
	defer logger.DeferLogDuration("service.EnsureUser", time.Now())()
	stored := *u
	stored.ID = strings.TrimSpace(stored.ID)
	if stored.ID == "" {
		return nil, fmt.Errorf("%w: empty id", model.ErrUserNotFound)
	}
	stored.Email = normalizeEmail(stored.Email)
	stored.Username = strings.TrimSpace(stored.Username)
	if stored.Username == "" {
		stored.Username = deriveUsername(stored.Email)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.IsOnline = false
	if err := s.store.UpsertUser(ctx, &stored); err != nil {
		return nil, fmt.Errorf("service.EnsureUser: %w", err)
	}
	out, err := s.store.GetUser(ctx, stored.ID)
	if err != nil {
		return nil, fmt.Errorf("service.EnsureUser reload: %w", err)
	}
	res := s.withPresence([]model.User{*out})[0]
	return &res, nil
}

// Me returns the caller with presence filled in.
func (s *Service) Me(ctx context.Context) (*model.User, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.GetUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	res := s.withPresence([]model.User{*stored})[0]
	return &res, nil
}

// SearchUsers matches query against username and email, case-insensitively,
// excluding the caller. Queries shorter than two characters match nothing.
func (s *Service) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	defer logger.DeferLogDuration("service.SearchUsers", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < minQueryLen {
		return []model.User{}, nil
	}
	users, err := s.store.SearchUsers(ctx, query, u.ID, s.cfg.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("service.SearchUsers: %w", err)
	}
	return s.withPresence(users), nil
}

func (s *Service) AddFriend(ctx context.Context, userID string) error {
	defer logger.DeferLogDuration("service.AddFriend", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || userID == u.ID {
		return fmt.Errorf("%w: cannot befriend %q", model.ErrUserNotFound, userID)
	}
	return s.store.AddFriend(ctx, u.ID, userID)
}

func (s *Service) IsFriend(ctx context.Context, userID string) (bool, error) {
	u, err := s.caller(ctx)
	if err != nil {
		return false, err
	}
	return s.store.IsFriend(ctx, u.ID, userID)
}

func (s *Service) ListFriends(ctx context.Context) ([]model.User, error) {
	defer logger.DeferLogDuration("service.ListFriends", time.Now())()
	u, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	friends, err := s.store.ListFriends(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("service.ListFriends: %w", err)
	}
	return s.withPresence(friends), nil
}

// OnlineUsers lists users with at least one live connection.
func (s *Service) OnlineUsers(ctx context.Context) ([]model.User, error) {
	if _, err := s.caller(ctx); err != nil {
		return nil, err
	}
	if s.presence == nil {
		return []model.User{}, nil
	}
	return s.presence.OnlineUsers(ctx)
}

// normalizeEmail приводит email к одному виду: нижний регистр, кириллические
// буквы-двойники заменены латинскими (вставка из буфера не должна давать второго пользователя).
func normalizeEmail(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.TrimSpace(strings.ToLower(s)) {
		switch r {
		case 'о':
			b.WriteByte('o')
		case 'а':
			b.WriteByte('a')
		case 'е':
			b.WriteByte('e')
		case 'р':
			b.WriteByte('p')
		case 'с':
			b.WriteByte('c')
		case 'х':
			b.WriteByte('x')
		case 'у':
			b.WriteByte('y')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func deriveUsername(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "user_" + uuid.New().String()[:8]
	}
	local := strings.ReplaceAll(email[:at], ".", "_")
	if len(local) > 50 {
		local = local[:50]
	}
	return local
}
