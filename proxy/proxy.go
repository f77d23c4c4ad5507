// Package proxy implements the OAuth flow orchestration: it fronts a single
// upstream identity provider, presenting a full OAuth 2.1 authorization
// server (with always-on dynamic client registration) to downstream MCP
// clients while holding exactly one fixed upstream client identity.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
	"github.com/giantswarm/mcp-oauth-proxy/upstream"
	"github.com/giantswarm/mcp-oauth-proxy/verifier"
)

// ErrTransactionNotFound marks a callback whose state value does not match
// any in-flight transaction: expired, replayed, or forged. Terminal; the
// client must restart the flow.
var ErrTransactionNotFound = errors.New("proxy: unknown or expired transaction")

// Stores bundles the four storage interfaces the proxy composes. A single
// implementation (such as the memory store) usually satisfies all of them.
type Stores struct {
	Clients      storage.ClientStore
	Transactions storage.TransactionStore
	Codes        storage.CodeStore
	Tokens       storage.TokenStore
}

// Proxy orchestrates the proxied OAuth flows.
type Proxy struct {
	cfg      *Config
	stores   Stores
	upstream *upstream.Client
	verifier verifier.TokenVerifier

	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// New builds a Proxy. The config is normalized (defaults applied, URLs
// validated) as a side effect.
func New(cfg *Config, stores Stores, up *upstream.Client, tokenVerifier verifier.TokenVerifier) (*Proxy, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}
	if stores.Clients == nil || stores.Transactions == nil || stores.Codes == nil || stores.Tokens == nil {
		return nil, fmt.Errorf("all four stores are required")
	}
	if up == nil {
		return nil, fmt.Errorf("upstream client is required")
	}
	if tokenVerifier == nil {
		return nil, fmt.Errorf("token verifier is required")
	}

	return &Proxy{
		cfg:      cfg,
		stores:   stores,
		upstream: up,
		verifier: tokenVerifier,
		auditor:  cfg.Auditor,
		inst:     cfg.Instrumentation,
		tracer:   cfg.Instrumentation.Tracer("proxy"),
	}, nil
}

// Config returns the normalized proxy configuration.
func (p *Proxy) Config() *Config {
	return p.cfg
}

// SupportsRevocation reports whether the upstream IdP offers revocation.
func (p *Proxy) SupportsRevocation() bool {
	return p.upstream.SupportsRevocation()
}

// UpstreamScopes returns the configured upstream scopes for metadata.
func (p *Proxy) UpstreamScopes() []string {
	return p.upstream.DefaultScopes()
}

// ClientRegistrationRequest carries the fields of an RFC 7591 registration
// request the proxy acts on.
type ClientRegistrationRequest struct {
	ClientName   string
	RedirectURIs []string
	GrantTypes   []string
}

// Registration is the outcome of RegisterClient: the stored record plus
// the plaintext secret for the one-time registration response.
type Registration struct {
	Client *storage.Client

	// ClientSecret is returned to the registrant exactly once. It is the
	// proxy's upstream secret; only its bcrypt hash is stored.
	ClientSecret security.Secret
}

// RegisterClient performs dynamic client registration. It never fails for
// policy reasons: whatever identity the client requested, the stored record
// carries the proxy's single upstream identity, auth method "none", and
// grant types defaulted to the authorization-code pair. Registration is
// keyed by the upstream client id, so repeated registrations overwrite one
// record instead of accumulating.
func (p *Proxy) RegisterClient(ctx context.Context, req *ClientRegistrationRequest) (*Registration, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.register_client")
	defer span.End()

	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri, p.cfg.AllowedClientRedirectPatterns); err != nil {
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("invalid redirect URI: %w", err)
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}

	secret := p.upstream.ClientSecret()
	var secretHash string
	if !secret.IsZero() {
		hash, err := bcrypt.GenerateFromPassword([]byte(secret.Value()), bcrypt.DefaultCost)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("hashing client secret: %w", err)
		}
		secretHash = string(hash)
	}

	record := &storage.Client{
		ClientID:                p.upstream.ClientID(),
		ClientSecretHash:        secretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: "none",
		ClientName:              req.ClientName,
		CreatedAt:               time.Now(),
	}
	if err := p.stores.Clients.SaveClient(ctx, record); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("saving client: %w", err)
	}

	p.inst.Metrics().RecordClientRegistered(ctx, false)
	p.auditor.LogClientRegistered(record.ClientID, "", len(record.RedirectURIs))
	p.cfg.Logger.Info("Registered client",
		"client_id", record.ClientID,
		"client_name", record.ClientName,
		"redirect_uris", len(record.RedirectURIs))

	instrumentation.SetSpanSuccess(span)
	return &Registration{Client: record, ClientSecret: secret}, nil
}

// GetClient returns the registered client, or synthesizes an ephemeral one
// for a client_id that never registered: no secret, auth method "none",
// loopback-pattern redirect acceptance. Authorization therefore never fails
// merely because a client skipped registration. The synthesized record is
// never written to the client store; arbitrary client ids must not grow it.
func (p *Proxy) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}

	client, err := p.stores.Clients.GetClient(ctx, clientID)
	if err == nil {
		return client, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading client: %w", err)
	}

	client = &storage.Client{
		ClientID:                clientID,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethod: "none",
		Ephemeral:               true,
		CreatedAt:               time.Now(),
	}

	p.inst.Metrics().RecordClientRegistered(ctx, true)
	p.cfg.Logger.Debug("Synthesized ephemeral client", "client_id", clientID)
	return client, nil
}

// validateClientRedirect checks a redirect URI against the client record.
// Registered clients with explicit redirect URIs get exact matching;
// ephemeral clients (and registered clients without any stored URIs) fall
// back to the configured pattern policy.
func (p *Proxy) validateClientRedirect(client *storage.Client, redirectURI string) error {
	if !client.Ephemeral && len(client.RedirectURIs) > 0 {
		for _, allowed := range client.RedirectURIs {
			if redirectURI == allowed {
				return nil
			}
		}
		return fmt.Errorf("redirect URI %q not registered for client %s", redirectURI, client.ClientID)
	}
	return ValidateRedirectURI(redirectURI, p.cfg.AllowedClientRedirectPatterns)
}

// AuthorizeParams are the query parameters of an authorization request the
// proxy acts on.
type AuthorizeParams struct {
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
}

// Authorize starts a proxied authorization flow: it mints a transaction
// whose id doubles as the upstream state value and returns the upstream
// authorization URL to redirect the browser to. PKCE is mandatory.
//
// The scope parameter sent upstream is the client's requested scopes,
// falling back to the verifier's required scopes, and is omitted entirely
// when both are empty.
func (p *Proxy) Authorize(ctx context.Context, client *storage.Client, params AuthorizeParams) (string, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.authorize")
	defer span.End()

	if err := p.validateClientRedirect(client, params.RedirectURI); err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	if params.CodeChallenge == "" {
		err := fmt.Errorf("code challenge is required")
		instrumentation.RecordError(span, err)
		return "", err
	}
	if params.CodeChallengeMethod != "" && params.CodeChallengeMethod != CodeChallengeMethodS256 {
		err := fmt.Errorf("unsupported code challenge method %q", params.CodeChallengeMethod)
		instrumentation.RecordError(span, err)
		return "", err
	}

	scopes := params.Scopes
	if len(scopes) == 0 {
		scopes = p.verifier.RequiredScopes()
	}

	now := time.Now()
	txn := &storage.Transaction{
		// The transaction id is the upstream state value, so it must be
		// unguessable.
		ID:                  oauth2.GenerateVerifier(),
		ClientID:            client.ClientID,
		ClientRedirectURI:   params.RedirectURI,
		ClientState:         params.State,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: CodeChallengeMethodS256,
		Scopes:              scopes,
		CreatedAt:           now,
		ExpiresAt:           now.Add(p.cfg.TransactionTTL),
	}
	if err := p.stores.Transactions.SaveTransaction(ctx, txn); err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("saving transaction: %w", err)
	}

	p.inst.Metrics().RecordAuthorizationStarted(ctx, client.ClientID)
	p.auditor.LogAuthorizationStarted(client.ClientID, scopes)
	instrumentation.AddFlowAttributes(span, client.ClientID, strings.Join(scopes, " "))
	instrumentation.SetSpanSuccess(span)

	return p.upstream.AuthorizationURL(txn.ID, scopes), nil
}

// HandleUpstreamCallback completes the upstream leg: it consumes the
// transaction named by state, exchanges the upstream code for tokens, mints
// a client code carrying those tokens, and returns the URL to redirect the
// browser back to the original client.
//
// The transaction is deleted BEFORE the upstream token exchange. This
// ordering is the replay defence: once a state value has been shown to the
// upstream IdP it can never be accepted again, even if the exchange then
// fails and the client has to restart the flow.
func (p *Proxy) HandleUpstreamCallback(ctx context.Context, state, code string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.upstream_callback")
	defer span.End()

	if state == "" || code == "" {
		err := fmt.Errorf("callback missing code or state")
		p.rejectCallback(ctx, span, "missing_parameters", err)
		return "", err
	}

	txn, err := p.stores.Transactions.ConsumeTransaction(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.rejectCallback(ctx, span, "unknown_transaction", ErrTransactionNotFound)
			return "", ErrTransactionNotFound
		}
		p.rejectCallback(ctx, span, "storage_failure", err)
		return "", fmt.Errorf("consuming transaction: %w", err)
	}

	upstreamToken, err := p.upstream.ExchangeCode(ctx, code)
	if err != nil {
		// The transaction is already gone; the client must restart.
		p.rejectCallback(ctx, span, "upstream_exchange_failed", err)
		return "", fmt.Errorf("upstream exchange failed: %w", err)
	}

	now := time.Now()
	clientCode := &storage.ClientCode{
		Code:                oauth2.GenerateVerifier(),
		ClientID:            txn.ClientID,
		RedirectURI:         txn.ClientRedirectURI,
		CodeChallenge:       txn.CodeChallenge,
		CodeChallengeMethod: txn.CodeChallengeMethod,
		Scopes:              txn.Scopes,
		UpstreamToken:       upstreamToken,
		CreatedAt:           now,
		ExpiresAt:           now.Add(p.cfg.ClientCodeTTL),
	}
	if err := p.stores.Codes.SaveClientCode(ctx, clientCode); err != nil {
		p.rejectCallback(ctx, span, "storage_failure", err)
		return "", fmt.Errorf("saving client code: %w", err)
	}

	redirect, err := buildClientRedirect(txn.ClientRedirectURI, clientCode.Code, txn.ClientState)
	if err != nil {
		p.rejectCallback(ctx, span, "invalid_redirect", err)
		return "", err
	}

	p.inst.Metrics().RecordCallbackProcessed(ctx, true)
	p.auditor.LogCodeIssued(txn.ClientID)
	instrumentation.AddFlowAttributes(span, txn.ClientID, strings.Join(txn.Scopes, " "))
	instrumentation.SetSpanSuccess(span)
	return redirect, nil
}

func (p *Proxy) rejectCallback(ctx context.Context, span trace.Span, reason string, err error) {
	p.inst.Metrics().RecordCallbackProcessed(ctx, false)
	p.auditor.LogCallbackRejected(reason)
	instrumentation.RecordError(span, err)
}

// buildClientRedirect appends code and the client's own state to the
// client's redirect URI. The proxy's transaction id never appears here.
func buildClientRedirect(redirectURI, code, clientState string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid client redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if clientState != "" {
		q.Set("state", clientState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LoadAuthorizationCode retrieves a client code for the presenting client.
// Absent, expired, and foreign codes all yield (nil, nil): normal control
// flow the caller reports as invalid_grant, with no detail leakage.
func (p *Proxy) LoadAuthorizationCode(ctx context.Context, client *storage.Client, code string) (*storage.ClientCode, error) {
	record, err := p.stores.Codes.GetClientCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading client code: %w", err)
	}

	if record.ClientID != client.ClientID {
		// A code issued to one client presented by another. Reject
		// without revealing that the code exists.
		p.auditor.LogCodeRejected(client.ClientID, "client_mismatch")
		return nil, nil
	}
	return record, nil
}

// ExchangeAuthorizationCode redeems a loaded client code: deletes it
// (single-use), registers the upstream tokens in the token store with the
// access<->refresh linkage, and returns the upstream token response
// verbatim. PKCE must already have been verified by the caller.
func (p *Proxy) ExchangeAuthorizationCode(ctx context.Context, client *storage.Client, code *storage.ClientCode) (*oauth2.Token, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.exchange_code")
	defer span.End()

	if code.UpstreamToken == nil {
		err := fmt.Errorf("client code carries no upstream token")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	// Consume first so a concurrent second exchange cannot also succeed.
	if err := p.stores.Codes.DeleteClientCode(ctx, code.Code); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("consuming client code: %w", err)
	}

	token := code.UpstreamToken
	access := &verifier.AccessToken{
		Token:     token.AccessToken,
		ClientID:  client.ClientID,
		Scopes:    code.Scopes,
		ExpiresAt: token.Expiry,
	}
	var refresh *storage.RefreshToken
	if token.RefreshToken != "" {
		refresh = &storage.RefreshToken{
			Token:    token.RefreshToken,
			ClientID: client.ClientID,
			Scopes:   code.Scopes,
		}
	}
	if err := p.stores.Tokens.SaveTokenPair(ctx, access, refresh); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("saving token pair: %w", err)
	}

	p.inst.Metrics().RecordCodeExchanged(ctx, client.ClientID)
	p.auditor.LogTokenIssued(client.ClientID, token.AccessToken, code.Scopes)
	instrumentation.AddFlowAttributes(span, client.ClientID, strings.Join(code.Scopes, " "))
	instrumentation.SetSpanSuccess(span)

	// Token values pass through verbatim; the proxy never re-mints them.
	return token, nil
}

// LoadRefreshToken retrieves a tracked refresh token for the presenting
// client. Absent, expired, and foreign tokens yield (nil, nil).
func (p *Proxy) LoadRefreshToken(ctx context.Context, client *storage.Client, token string) (*storage.RefreshToken, error) {
	record, err := p.stores.Tokens.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}
	if record.ClientID != client.ClientID {
		return nil, nil
	}
	return record, nil
}

// ExchangeRefreshToken forwards the refresh grant upstream and reconciles
// local bookkeeping with the upstream's rotation behavior: a rotated
// refresh token replaces the old record (without cascading to the old
// access token, which stays valid until expiry); an unrotated one is kept.
func (p *Proxy) ExchangeRefreshToken(ctx context.Context, client *storage.Client, record *storage.RefreshToken) (*oauth2.Token, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.exchange_refresh")
	defer span.End()

	token, err := p.upstream.Refresh(ctx, record.Token)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("upstream refresh failed: %w", err)
	}

	rotated := token.RefreshToken != "" && token.RefreshToken != record.Token
	newRefreshValue := record.Token
	if rotated {
		newRefreshValue = token.RefreshToken
		if err := p.stores.Tokens.DeleteRefreshToken(ctx, record.Token); err != nil {
			instrumentation.RecordError(span, err)
			return nil, fmt.Errorf("retiring rotated refresh token: %w", err)
		}
	}

	access := &verifier.AccessToken{
		Token:     token.AccessToken,
		ClientID:  client.ClientID,
		Scopes:    record.Scopes,
		ExpiresAt: token.Expiry,
	}
	newRefresh := &storage.RefreshToken{
		Token:    newRefreshValue,
		ClientID: client.ClientID,
		Scopes:   record.Scopes,
	}
	if err := p.stores.Tokens.SaveTokenPair(ctx, access, newRefresh); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("saving refreshed token pair: %w", err)
	}

	p.inst.Metrics().RecordTokenRefreshed(ctx, rotated)
	p.auditor.LogTokenRefreshed(client.ClientID, rotated)
	instrumentation.SetSpanSuccess(span)

	// Make sure the client always receives a usable refresh token, even
	// when the upstream omitted it from the response.
	token.RefreshToken = newRefreshValue
	return token, nil
}

// LoadAccessToken is pure delegation to the TokenVerifier: validity is
// always re-derived, never read from the proxy's own bookkeeping, so an
// upstream-side revocation takes effect immediately.
func (p *Proxy) LoadAccessToken(ctx context.Context, token string) (*verifier.AccessToken, error) {
	return p.verifier.VerifyToken(ctx, token)
}

// RevokeToken revokes a token presented by its owning client: the local
// record, its linked counterpart, and both directional links go as one
// unit, and the token is also revoked upstream when the IdP supports it.
// Unknown and foreign tokens return nil per RFC 7009.
func (p *Proxy) RevokeToken(ctx context.Context, client *storage.Client, token, tokenTypeHint string) error {
	ctx, span := p.tracer.Start(ctx, "proxy.revoke_token")
	defer span.End()

	tokenType, owned, err := p.classifyToken(ctx, client, token, tokenTypeHint)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	if !owned {
		// RFC 7009: revoking an invalid (or someone else's) token is a
		// silent no-op.
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	switch tokenType {
	case "refresh_token":
		err = p.stores.Tokens.RevokeRefreshToken(ctx, token)
	default:
		err = p.stores.Tokens.RevokeAccessToken(ctx, token)
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("revoking token locally: %w", err)
	}

	upstreamNotified := false
	if p.upstream.SupportsRevocation() {
		if err := p.upstream.Revoke(ctx, token, tokenType); err != nil {
			// Local state is already clean; upstream failure must not
			// resurrect the token.
			p.cfg.Logger.Warn("Upstream revocation failed",
				"client_id", client.ClientID,
				"token_type", tokenType,
				"error", err)
		} else {
			upstreamNotified = true
		}
	}

	p.inst.Metrics().RecordTokenRevoked(ctx, tokenType)
	p.auditor.LogTokenRevoked(client.ClientID, tokenType, upstreamNotified)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// classifyToken finds which store the token lives in and whether the
// presenting client owns it.
func (p *Proxy) classifyToken(ctx context.Context, client *storage.Client, token, hint string) (tokenType string, owned bool, err error) {
	lookupRefresh := func() (bool, error) {
		record, err := p.stores.Tokens.GetRefreshToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return record.ClientID == client.ClientID, nil
	}
	lookupAccess := func() (bool, error) {
		record, err := p.stores.Tokens.GetAccessToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return record.ClientID == client.ClientID, nil
	}

	if hint == "refresh_token" {
		if owned, err = lookupRefresh(); err != nil || owned {
			return "refresh_token", owned, err
		}
		owned, err = lookupAccess()
		return "access_token", owned, err
	}

	if owned, err = lookupAccess(); err != nil || owned {
		return "access_token", owned, err
	}
	owned, err = lookupRefresh()
	return "refresh_token", owned, err
}
