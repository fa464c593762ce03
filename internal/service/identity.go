package service

import (
	"context"

	"github.com/chatsync/internal/model"
)

// IdentityProvider answers who is calling. The service never issues or checks
// credentials itself; middleware binds the caller before the request reaches it.
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (*model.User, bool)
}

type ctxKey struct{}

// WithUser binds u as the caller identity of ctx.
func WithUser(ctx context.Context, u *model.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFromContext returns the identity bound by WithUser.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*model.User)
	return u, ok && u != nil && u.ID != ""
}

// ContextIdentity reads the caller from the request context.
type ContextIdentity struct{}

func (ContextIdentity) CurrentUser(ctx context.Context) (*model.User, bool) {
	return UserFromContext(ctx)
}
