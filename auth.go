package pmcp

import (
	"context"
	"time"
)

// AuthInfo carries the authentication context of a connection. The SDK does
// not validate credentials; bindings that receive them (the streamable HTTP
// transport reads the Authorization header) attach this value to the request
// context so handlers can make their own decisions.
type AuthInfo struct {
	// Token is the raw bearer token as presented, if any.
	Token string
	// Scheme is the authorization scheme, e.g. "Bearer".
	Scheme string
	// Subject identifies the authenticated principal when known.
	Subject string
	// Scopes lists granted scopes when the verifier provides them.
	Scopes []string
	// ExpiresAt is the token expiry when known; zero means unknown.
	ExpiresAt time.Time
	// Extra holds verifier-specific claims.
	Extra map[string]any
}

// Expired reports whether the token's expiry, when known, has passed.
func (a *AuthInfo) Expired() bool {
	return !a.ExpiresAt.IsZero() && time.Now().After(a.ExpiresAt)
}

// HasScope reports whether the given scope was granted.
func (a *AuthInfo) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type authInfoKey struct{}

// WithAuthInfo returns a context carrying the given authentication info.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext returns the authentication info attached to the
// context, or nil when the connection is unauthenticated.
func AuthInfoFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info
}
