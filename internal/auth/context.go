package auth

import (
	"context"

	"github.com/dukerupert/warden/internal/model"
)

type contextKey struct{}

// AuthContext is what RequireAuth learned about the caller.
type AuthContext struct {
	UserID     int64
	SessionID  string
	AuthMethod string
	Session    *model.Session
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

// FromSession builds the context for a resolved session.
func FromSession(s *model.Session) AuthContext {
	return AuthContext{UserID: s.UserID, SessionID: s.ID, AuthMethod: s.AuthMethod, Session: s}
}

func UserID(ctx context.Context) int64 {
	ac, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return ac.UserID
}

func SessionID(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return ac.SessionID
}

// ViaLoginLink reports whether the caller signed in with an operator-issued
// login link.
func ViaLoginLink(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.AuthMethod == model.AuthLoginLink
}
