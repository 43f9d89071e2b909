// Package auth provides bearer-token and API-key authentication for the
// HTTP surface.
package auth

import "context"

// contextKey is a private type for context keys.
type contextKey int

const (
	tokenContextKey contextKey = iota
	identityContextKey
)

// Identity describes an authenticated caller.
type Identity struct {
	// Subject identifies the caller: a JWT subject or "apikey:<name>".
	Subject string `json:"subject"`

	// Name is a display name where available.
	Name string `json:"name,omitempty"`

	// Method is "jwt" or "apikey".
	Method string `json:"method"`
}

// WithToken adds a raw credential to the context for downstream
// authenticators.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the raw credential from the context.
func GetToken(ctx context.Context) string {
	if token, ok := ctx.Value(tokenContextKey).(string); ok {
		return token
	}
	return ""
}

// WithIdentity adds the authenticated identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// GetIdentity retrieves the authenticated identity from the context.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return id
	}
	return nil
}
