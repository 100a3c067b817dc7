package api

import (
	"context"

	"github.com/hyperengineering/ledger/internal/session"
)

// userContextKey is the context key for the authenticated user.
type userContextKey struct{}

// WithUser returns a new context with the user attached.
func WithUser(ctx context.Context, u *session.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext extracts the authenticated user, nil when anonymous.
func UserFromContext(ctx context.Context) *session.User {
	u, _ := ctx.Value(userContextKey{}).(*session.User)
	return u
}
