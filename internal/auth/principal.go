// Package auth carries the authenticated principal through request contexts.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrNoPrincipal is returned when an operation that writes data or calls the
// LLM runs without an authenticated user.
var ErrNoPrincipal = errors.New("no authenticated principal")

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Role   string

	// Token is the raw bearer token, forwarded to downstream functions.
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token carried an expiry that has passed.
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require returns the principal or ErrNoPrincipal when the context carries
// no user identifier.
func Require(ctx context.Context) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok || p.UserID == "" {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}
