// Package mock provides a TokenVerifier test double backed by a plain map.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/verifier"
)

// Compile-time check that Verifier implements verifier.TokenVerifier.
var _ verifier.TokenVerifier = (*Verifier)(nil)

// Verifier is an in-memory TokenVerifier for tests. Tokens added via
// AddToken verify successfully until removed or expired; everything else
// returns (nil, nil). Err, when set, is returned from every VerifyToken
// call to simulate an operational failure.
type Verifier struct {
	mu sync.Mutex

	tokens         map[string]*verifier.AccessToken
	requiredScopes []string

	// Err is returned from VerifyToken when non-nil.
	Err error

	// Calls counts VerifyToken invocations.
	Calls int
}

// New creates a mock verifier with the given required scopes (nil is valid).
func New(requiredScopes []string) *Verifier {
	return &Verifier{
		tokens:         make(map[string]*verifier.AccessToken),
		requiredScopes: requiredScopes,
	}
}

// AddToken registers a token that will verify successfully.
func (v *Verifier) AddToken(token *verifier.AccessToken) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token.Token] = token
}

// RemoveToken makes a previously added token invalid again.
func (v *Verifier) RemoveToken(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, token)
}

// VerifyToken implements verifier.TokenVerifier.
func (v *Verifier) VerifyToken(_ context.Context, token string) (*verifier.AccessToken, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Calls++
	if v.Err != nil {
		return nil, v.Err
	}

	at, ok := v.tokens[token]
	if !ok || at.Expired(time.Now()) {
		return nil, nil
	}
	return at, nil
}

// RequiredScopes implements verifier.TokenVerifier.
func (v *Verifier) RequiredScopes() []string {
	return v.requiredScopes
}
