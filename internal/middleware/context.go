package middleware

import (
	"context"

	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/service"
)

// UserLoader resolves a user id (from a session or token) into the user record.
type UserLoader interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// GetUserID возвращает user_id из контекста (устанавливается одним из identity middleware).
func GetUserID(ctx context.Context) string {
	if u, ok := service.UserFromContext(ctx); ok {
		return u.ID
	}
	return ""
}
