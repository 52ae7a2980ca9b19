// ABOUTME: Request identity propagated through handlers via context
// ABOUTME: Provides WithIdentity/FromContext for the authenticated user

package auth

import (
	"context"
)

// Method records how an identity was established.
type Method string

const (
	MethodToken  Method = "token"
	MethodHeader Method = "header"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Method Method
}

type identityKey struct{}

// WithIdentity returns a new context with id attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// UserID returns the authenticated user's id, or "" when unauthenticated.
func UserID(ctx context.Context) string {
	if id := FromContext(ctx); id != nil {
		return id.UserID
	}
	return ""
}
