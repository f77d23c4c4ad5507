// Package verifier defines the bearer-token verification capability consumed
// by the OAuth proxy. The proxy never decides token validity itself: every
// incoming bearer token is handed to a TokenVerifier, so validity is always
// re-derived from the upstream provider's signing material (or introspection)
// rather than from the proxy's local bookkeeping.
package verifier

import (
	"context"
	"time"
)

// AccessToken is the result of a successful token verification. The Token
// field holds the literal bearer string presented by the client, which for
// the proxy is always the upstream provider's own token value.
type AccessToken struct {
	// Token is the raw bearer token string.
	Token string

	// ClientID identifies the OAuth client the token was issued to.
	ClientID string

	// Scopes are the granted scopes.
	Scopes []string

	// ExpiresAt is the absolute expiry time. The zero value means the
	// token does not expire (or the verifier could not determine expiry).
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenVerifier validates bearer tokens issued (via the proxy) by the
// upstream identity provider.
//
// VerifyToken returns (nil, nil) when the token is simply invalid, expired,
// or unknown; that is normal control flow, not an error. A non-nil error
// indicates an operational failure (network, key retrieval) and is
// propagated unchanged by the proxy.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*AccessToken, error)

	// RequiredScopes returns the scopes this verifier expects tokens to
	// carry, or nil when it imposes none. The proxy uses this as a static
	// fallback when an authorization request names no scopes.
	RequiredScopes() []string
}
