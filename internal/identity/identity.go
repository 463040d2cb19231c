package identity

import (
	"context"
	"errors"
	"slices"
)

// ErrInvalidToken is returned when a credential cannot be verified.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller as reported by the identity provider.
type Identity struct {
	UserID      int64    `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Department  string   `json:"department,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Email       string   `json:"email,omitempty"`
	Handle      string   `json:"handle,omitempty"`
}

// HasAnyRole reports whether the identity holds one of roles.
func (i Identity) HasAnyRole(roles []string) bool {
	for _, r := range i.Roles {
		if slices.Contains(roles, r) {
			return true
		}
	}
	return false
}

// Provider verifies a bearer credential.
type Provider interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type ctxKey struct{}

// WithIdentity stores the caller in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the caller stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
