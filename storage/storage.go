// Package storage defines the interfaces and record types for the OAuth
// proxy's transactional state: registered clients, in-flight authorization
// transactions, proxy-minted authorization codes, and the local token
// bookkeeping used for revocation cascades.
//
// All state is short-lived bookkeeping for the proxied flow. Losing it on
// restart forces clients to restart the authorize flow but never
// invalidates already-issued access tokens, whose validity is delegated to
// the external TokenVerifier.
package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/verifier"
)

// ErrNotFound is returned by lookups when no record exists for the given
// key, when a record has expired (expired records are deleted as a side
// effect of the lookup), or when a single-use record was already consumed.
var ErrNotFound = errors.New("storage: not found")

// Client represents an OAuth client known to the proxy.
//
// Every registered client, regardless of what it requested, holds the
// proxy's single upstream identity: the proxy presents exactly one
// client_id/client_secret to the upstream IdP for all downstream clients.
type Client struct {
	ClientID string

	// ClientSecretHash is the bcrypt hash of the secret returned at
	// registration time. Empty for ephemeral clients.
	ClientSecretHash string

	RedirectURIs            []string
	GrantTypes              []string
	TokenEndpointAuthMethod string
	ClientName              string

	// Ephemeral marks a client synthesized on demand for a client_id that
	// never registered. Ephemeral clients carry no secret and get
	// permissive loopback redirect-URI validation.
	Ephemeral bool

	CreatedAt time.Time
}

// Transaction is one in-flight authorization request. Its ID doubles as
// the state parameter sent to the upstream IdP, so it must be an
// unguessable random token: it is the CSRF protection for the upstream leg
// of the flow.
type Transaction struct {
	// ID is the proxy-minted transaction id (the upstream state value).
	ID string

	ClientID string

	// ClientRedirectURI is the original client's redirect URI, where the
	// browser is sent after the upstream callback completes.
	ClientRedirectURI string

	// ClientState is the client's own opaque state value. It is returned
	// to the client verbatim; the transaction id never leaks downstream.
	ClientState string

	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ClientCode is a proxy-minted authorization code standing in for the
// upstream one. It carries the upstream token response as an opaque
// payload until the client exchanges the code.
type ClientCode struct {
	Code string

	// ClientID binds the code to the client that started the transaction.
	ClientID string

	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string

	// UpstreamToken is the token response obtained from the upstream IdP
	// during the callback exchange, re-exported verbatim to the client.
	UpstreamToken *oauth2.Token

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code is past its expiry at the given instant.
func (c *ClientCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// RefreshToken is the proxy-local record of an upstream refresh token.
type RefreshToken struct {
	// Token is the literal upstream refresh token string.
	Token string

	ClientID string
	Scopes   []string

	// ExpiresAt is zero when the refresh token does not expire (the
	// common case for upstream providers).
	ExpiresAt time.Time
}

// ClientStore manages OAuth client registrations.
type ClientStore interface {
	// SaveClient saves a registered client, overwriting any existing
	// record with the same ClientID.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound when the
	// client never registered.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret checks a client's secret against the stored
	// bcrypt hash. Returns ErrNotFound for unknown clients.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// TransactionStore manages in-flight authorization transactions.
type TransactionStore interface {
	// SaveTransaction stores a new transaction.
	SaveTransaction(ctx context.Context, txn *Transaction) error

	// ConsumeTransaction atomically retrieves and deletes a transaction.
	// A transaction can be consumed at most once; a second call (replayed
	// or forged upstream callback) returns ErrNotFound. Expired
	// transactions are deleted and reported as ErrNotFound.
	ConsumeTransaction(ctx context.Context, id string) (*Transaction, error)
}

// CodeStore manages proxy-minted authorization codes.
type CodeStore interface {
	// SaveClientCode stores a newly minted code.
	SaveClientCode(ctx context.Context, code *ClientCode) error

	// GetClientCode retrieves a code. Expiry is checked at read time: an
	// expired code is deleted as a side effect and reported as
	// ErrNotFound.
	GetClientCode(ctx context.Context, code string) (*ClientCode, error)

	// DeleteClientCode removes a code (single-use consumption). Deleting
	// an absent code is not an error.
	DeleteClientCode(ctx context.Context, code string) error
}

// TokenStore tracks issued tokens and the bidirectional access<->refresh
// linkage used for revocation cascades. Validity of access tokens is NOT
// this store's concern; that is always re-derived via the TokenVerifier.
type TokenStore interface {
	// SaveTokenPair stores an access token and, when refresh is non-nil,
	// its paired refresh token, establishing the bidirectional linkage in
	// the same atomic step. At most one refresh token maps to a given
	// access token and vice versa.
	SaveTokenPair(ctx context.Context, access *verifier.AccessToken, refresh *RefreshToken) error

	// GetAccessToken retrieves a locally tracked access token record.
	GetAccessToken(ctx context.Context, token string) (*verifier.AccessToken, error)

	// GetRefreshToken retrieves a locally tracked refresh token record.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeAccessToken removes the access token record, its linked
	// refresh token record, and both directional link entries as one
	// atomic unit. Revoking an unknown token is not an error (RFC 7009).
	RevokeAccessToken(ctx context.Context, token string) error

	// RevokeRefreshToken is the mirror cascade starting from the refresh
	// token side.
	RevokeRefreshToken(ctx context.Context, token string) error

	// DeleteRefreshToken removes a refresh token record and both
	// directional link entries WITHOUT cascading to the linked access
	// token. Used when the upstream rotates refresh tokens: the old
	// access token stays valid until it expires.
	DeleteRefreshToken(ctx context.Context, token string) error
}
