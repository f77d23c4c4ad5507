// Package jwt implements a TokenVerifier for JWT bearer tokens signed by the
// upstream identity provider. Keys come either from a static HMAC secret or
// from the provider's JWKS endpoint (RS256 family), fetched lazily and
// cached.
package jwt

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-oauth-proxy/verifier"
)

// Compile-time check that Verifier implements verifier.TokenVerifier.
var _ verifier.TokenVerifier = (*Verifier)(nil)

// defaultJWKSRefreshInterval is how long fetched JWKS keys are cached before
// an unknown key id triggers a refetch.
const defaultJWKSRefreshInterval = 15 * time.Minute

// defaultHTTPTimeout bounds JWKS fetches.
const defaultHTTPTimeout = 30 * time.Second

// Config holds JWT verifier configuration.
type Config struct {
	// JWKSURL is the provider's JWKS endpoint for RS256-family tokens.
	// Mutually exclusive with HMACSecret.
	JWKSURL string

	// HMACSecret enables HS256-family verification with a shared secret.
	// Mutually exclusive with JWKSURL.
	HMACSecret []byte

	// Issuer, when non-empty, is required to match the token's iss claim.
	Issuer string

	// Audience, when non-empty, is required to match one of the token's
	// aud values.
	Audience string

	// RequiredScopes are the scopes this verifier expects; tokens missing
	// any of them fail verification. Also exposed via RequiredScopes() as
	// the proxy's scope fallback.
	RequiredScopes []string

	// ClientIDClaim names the claim carrying the OAuth client id.
	// Defaults to "client_id" with fallback to "azp".
	ClientIDClaim string

	// HTTPClient is used for JWKS fetches (optional).
	HTTPClient *http.Client

	// JWKSRefreshInterval overrides the JWKS cache duration (optional).
	JWKSRefreshInterval time.Duration
}

// Verifier validates JWT access tokens.
type Verifier struct {
	config Config

	httpClient      *http.Client
	refreshInterval time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey // kid -> key
	fetchedAt time.Time
}

// New creates a JWT verifier. Exactly one of JWKSURL or HMACSecret must be
// configured.
func New(cfg Config) (*Verifier, error) {
	if cfg.JWKSURL == "" && len(cfg.HMACSecret) == 0 {
		return nil, fmt.Errorf("either JWKSURL or HMACSecret is required")
	}
	if cfg.JWKSURL != "" && len(cfg.HMACSecret) > 0 {
		return nil, fmt.Errorf("JWKSURL and HMACSecret are mutually exclusive")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	refreshInterval := cfg.JWKSRefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = defaultJWKSRefreshInterval
	}

	return &Verifier{
		config:          cfg,
		httpClient:      httpClient,
		refreshInterval: refreshInterval,
		keys:            make(map[string]*rsa.PublicKey),
	}, nil
}

// VerifyToken implements verifier.TokenVerifier. Invalid tokens return
// (nil, nil); only operational failures (JWKS unreachable) return an error.
func (v *Verifier) VerifyToken(ctx context.Context, token string) (*verifier.AccessToken, error) {
	var (
		keyfunc      jwt.Keyfunc
		validMethods []string
	)

	if len(v.config.HMACSecret) > 0 {
		validMethods = []string{"HS256", "HS384", "HS512"}
		keyfunc = func(_ *jwt.Token) (any, error) {
			return v.config.HMACSecret, nil
		}
	} else {
		validMethods = []string{"RS256", "RS384", "RS512"}
		keyfunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.keyForKID(ctx, kid)
		}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(validMethods), jwt.WithExpirationRequired()}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyfunc, opts...)
	if err != nil || !parsed.Valid {
		// Operational failures (JWKS fetch) must surface; everything else
		// is an invalid token and normal control flow. errors.As is needed
		// here because ParseWithClaims wraps the keyfunc error with
		// multi-error joins.
		var fetchErr *jwksFetchError
		if errors.As(err, &fetchErr) {
			return nil, fetchErr
		}
		return nil, nil
	}

	scopes := scopesFromClaims(claims)
	if !hasAllScopes(scopes, v.config.RequiredScopes) {
		return nil, nil
	}

	at := &verifier.AccessToken{
		Token:    token,
		ClientID: v.clientIDFromClaims(claims),
		Scopes:   scopes,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		at.ExpiresAt = exp.Time
	}
	return at, nil
}

// RequiredScopes implements verifier.TokenVerifier.
func (v *Verifier) RequiredScopes() []string {
	return v.config.RequiredScopes
}

func (v *Verifier) clientIDFromClaims(claims jwt.MapClaims) string {
	claim := v.config.ClientIDClaim
	if claim == "" {
		claim = "client_id"
	}
	if id, ok := claims[claim].(string); ok && id != "" {
		return id
	}
	// Authorized party is the common OIDC fallback.
	if azp, ok := claims["azp"].(string); ok {
		return azp
	}
	return ""
}

// scopesFromClaims extracts scopes from either the RFC 8693 "scope" claim
// (space-separated string) or the "scp" claim (array) used by some IdPs.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok && s != "" {
		return strings.Fields(s)
	}
	if raw, ok := claims["scp"].([]any); ok {
		scopes := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

func hasAllScopes(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// ============================================================
// JWKS handling
// ============================================================

// jwksFetchError marks an operational JWKS failure so VerifyToken can
// distinguish it from an invalid token.
type jwksFetchError struct {
	err error
}

func (e *jwksFetchError) Error() string { return fmt.Sprintf("jwks fetch: %v", e.err) }
func (e *jwksFetchError) Unwrap() error { return e.err }

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// keyForKID returns the RSA key for the given key id, refreshing the JWKS
// cache when the id is unknown or the cache is stale.
func (v *Verifier) keyForKID(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	key, ok := v.keys[kid]
	stale := time.Since(v.fetchedAt) > v.refreshInterval
	v.mu.Unlock()

	if ok && !stale {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, &jwksFetchError{err: err}
	}

	v.mu.Lock()
	key, ok = v.keys[kid]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}

func (v *Verifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode JWKS document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("JWKS document contains no usable RSA signing keys")
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = time.Now()
	v.mu.Unlock()
	return nil
}

func rsaKeyFromJWK(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
