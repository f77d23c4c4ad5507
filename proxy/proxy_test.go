package proxy

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/internal/testutil"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
	"github.com/giantswarm/mcp-oauth-proxy/storage/memory"
	"github.com/giantswarm/mcp-oauth-proxy/upstream"
	"github.com/giantswarm/mcp-oauth-proxy/verifier"
	"github.com/giantswarm/mcp-oauth-proxy/verifier/mock"
)

type proxyFixture struct {
	proxy    *Proxy
	store    *memory.Store
	idp      *testutil.FakeIdP
	verifier *mock.Verifier
}

func newFixture(t *testing.T, requiredScopes []string, mutate func(*Config)) *proxyFixture {
	t.Helper()

	idp := testutil.NewFakeIdP(t)
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	up, err := upstream.NewClient(&upstream.Config{
		ClientID:              "upstream-client-id",
		ClientSecret:          security.NewSecret("upstream-client-secret"),
		AuthorizationEndpoint: idp.AuthorizationEndpoint(),
		TokenEndpoint:         idp.TokenEndpoint(),
		RevocationEndpoint:    idp.RevocationEndpoint(),
		RedirectURI:           "https://proxy.example.com/auth/callback",
	})
	if err != nil {
		t.Fatalf("upstream.NewClient() error = %v", err)
	}

	v := mock.New(requiredScopes)
	cfg := &Config{BaseURL: "https://proxy.example.com"}
	if mutate != nil {
		mutate(cfg)
	}

	p, err := New(cfg, Stores{
		Clients:      store,
		Transactions: store,
		Codes:        store,
		Tokens:       store,
	}, up, v)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &proxyFixture{proxy: p, store: store, idp: idp, verifier: v}
}

// runAuthorize starts a flow and returns the transaction id extracted from
// the upstream redirect's state parameter.
func runAuthorize(t *testing.T, f *proxyFixture, client *storage.Client, params AuthorizeParams) (txnID string) {
	t.Helper()
	redirect, err := f.proxy.Authorize(context.Background(), client, params)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	parsed, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parsing upstream redirect: %v", err)
	}
	txnID = parsed.Query().Get("state")
	if txnID == "" {
		t.Fatal("upstream redirect carries no state")
	}
	return txnID
}

func TestConfigNormalization(t *testing.T) {
	cfg := &Config{
		BaseURL:      "https://proxy.example.com/",
		RedirectPath: "oauth/callback",
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if cfg.BaseURL != "https://proxy.example.com" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.RedirectPath != "/oauth/callback" {
		t.Errorf("RedirectPath = %q, want leading slash", cfg.RedirectPath)
	}
	if cfg.IssuerURL != "https://proxy.example.com" {
		t.Errorf("IssuerURL = %q, want defaulted to base URL", cfg.IssuerURL)
	}
	if cfg.ResourceServerURL != "https://proxy.example.com" {
		t.Errorf("ResourceServerURL = %q, want defaulted to base URL", cfg.ResourceServerURL)
	}
	if cfg.CallbackURL() != "https://proxy.example.com/oauth/callback" {
		t.Errorf("CallbackURL() = %q", cfg.CallbackURL())
	}
	if cfg.ClientCodeTTL != DefaultClientCodeTTL || cfg.TransactionTTL != DefaultTransactionTTL {
		t.Error("TTL defaults not applied")
	}
}

func TestConfigRejectsBadURLs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing base", Config{}},
		{"relative base", Config{BaseURL: "not-a-url"}},
		{"relative issuer", Config{BaseURL: "https://p.example.com", IssuerURL: "bare-string"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Normalize(); err == nil {
				t.Error("Normalize() should fail")
			}
		})
	}
}

func TestRegisterClientUsesUpstreamIdentity(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	reg, err := f.proxy.RegisterClient(ctx, &ClientRegistrationRequest{
		ClientName:   "some-mcp-client",
		RedirectURIs: []string{"http://localhost:3000/callback"},
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	// Whatever the caller asked for, the stored identity is the proxy's
	// single upstream identity.
	if reg.Client.ClientID != "upstream-client-id" {
		t.Errorf("ClientID = %q, want upstream-client-id", reg.Client.ClientID)
	}
	if reg.ClientSecret.Value() != "upstream-client-secret" {
		t.Error("registration secret is not the upstream secret")
	}
	if reg.Client.TokenEndpointAuthMethod != "none" {
		t.Errorf("TokenEndpointAuthMethod = %q, want none", reg.Client.TokenEndpointAuthMethod)
	}
	if want := []string{"authorization_code", "refresh_token"}; strings.Join(reg.Client.GrantTypes, ",") != strings.Join(want, ",") {
		t.Errorf("GrantTypes = %v, want %v", reg.Client.GrantTypes, want)
	}

	// Stored under the upstream id, with a verifiable secret hash.
	if err := f.store.ValidateClientSecret(ctx, "upstream-client-id", "upstream-client-secret"); err != nil {
		t.Errorf("ValidateClientSecret() error = %v", err)
	}
}

func TestRegisterClientIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	req := &ClientRegistrationRequest{RedirectURIs: []string{"http://localhost:3000/cb"}}
	if _, err := f.proxy.RegisterClient(ctx, req); err != nil {
		t.Fatalf("first RegisterClient() error = %v", err)
	}
	if _, err := f.proxy.RegisterClient(ctx, req); err != nil {
		t.Fatalf("second RegisterClient() error = %v", err)
	}

	clients, _, _, _, _ := f.store.Counts()
	if clients != 1 {
		t.Errorf("client count = %d, want 1 (overwrite semantics)", clients)
	}
}

func TestRegisterClientDoesNotMutateRequest(t *testing.T) {
	f := newFixture(t, nil, nil)

	req := &ClientRegistrationRequest{
		ClientName:   "original-name",
		RedirectURIs: []string{"http://localhost:9999/cb"},
	}
	if _, err := f.proxy.RegisterClient(context.Background(), req); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if req.ClientName != "original-name" || len(req.GrantTypes) != 0 {
		t.Error("RegisterClient() mutated the caller's request")
	}
}

func TestRegisterClientRejectsForbiddenRedirect(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.proxy.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{"https://evil.example.com/callback"},
	})
	if err == nil {
		t.Error("RegisterClient() with non-loopback redirect should fail under default policy")
	}
}

func TestGetClientSynthesizesEphemeral(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, err := f.proxy.GetClient(ctx, "never-registered-id")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !client.Ephemeral {
		t.Error("client should be ephemeral")
	}
	if client.TokenEndpointAuthMethod != "none" {
		t.Errorf("TokenEndpointAuthMethod = %q, want none", client.TokenEndpointAuthMethod)
	}
	if client.ClientSecretHash != "" {
		t.Error("ephemeral client must carry no secret")
	}

	// Loopback accepted, arbitrary host rejected.
	if err := f.proxy.validateClientRedirect(client, "http://localhost:51234/callback"); err != nil {
		t.Errorf("loopback redirect rejected: %v", err)
	}
	if err := f.proxy.validateClientRedirect(client, "https://evil.example.com/callback"); err == nil {
		t.Error("non-loopback redirect should be rejected")
	}

	// Synthesis is pure: nothing lands in the client store.
	if clients, _, _, _, _ := f.store.Counts(); clients != 0 {
		t.Errorf("client count = %d, want 0 after ephemeral synthesis", clients)
	}
}

func TestAuthorizeRequiresPKCE(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.proxy.GetClient(context.Background(), "cli-client")

	_, err := f.proxy.Authorize(context.Background(), client, AuthorizeParams{
		RedirectURI: "http://localhost:3000/cb",
	})
	if err == nil {
		t.Error("Authorize() without code challenge should fail")
	}

	_, err = f.proxy.Authorize(context.Background(), client, AuthorizeParams{
		RedirectURI:         "http://localhost:3000/cb",
		CodeChallenge:       "abc",
		CodeChallengeMethod: "plain",
	})
	if err == nil {
		t.Error("Authorize() with plain method should fail")
	}
}

func TestAuthorizeScopeFallbackToVerifier(t *testing.T) {
	f := newFixture(t, []string{"read", "write"}, nil)
	client, _ := f.proxy.GetClient(context.Background(), "cli-client")

	redirect, err := f.proxy.Authorize(context.Background(), client, AuthorizeParams{
		RedirectURI:   "http://localhost:3000/cb",
		CodeChallenge: testutil.NewPKCEPair().Challenge,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	parsed, _ := url.Parse(redirect)
	if got := parsed.Query().Get("scope"); got != "read write" {
		t.Errorf("scope = %q, want %q", got, "read write")
	}
}

func TestAuthorizeNoScopesNoScopeParam(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.proxy.GetClient(context.Background(), "cli-client")

	redirect, err := f.proxy.Authorize(context.Background(), client, AuthorizeParams{
		RedirectURI:   "http://localhost:3000/cb",
		CodeChallenge: testutil.NewPKCEPair().Challenge,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	parsed, _ := url.Parse(redirect)
	if _, present := parsed.Query()["scope"]; present {
		t.Error("scope parameter must be absent when neither client nor verifier name scopes")
	}
}

func TestAuthorizeUpstreamURLShape(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.proxy.GetClient(context.Background(), "cli-client")

	redirect, err := f.proxy.Authorize(context.Background(), client, AuthorizeParams{
		RedirectURI:   "http://localhost:3000/cb",
		State:         "client-opaque-state",
		CodeChallenge: testutil.NewPKCEPair().Challenge,
		Scopes:        []string{"email"},
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	parsed, _ := url.Parse(redirect)
	q := parsed.Query()
	if q.Get("client_id") != "upstream-client-id" {
		t.Errorf("client_id = %q, want the upstream identity", q.Get("client_id"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("redirect_uri") != "https://proxy.example.com/auth/callback" {
		t.Errorf("redirect_uri = %q, want the proxy's own callback", q.Get("redirect_uri"))
	}
	// The upstream state is the transaction id, never the client's state.
	if q.Get("state") == "client-opaque-state" {
		t.Error("client state leaked into the upstream URL")
	}
}

func TestCallbackRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.idp.AccessToken = "fake-upstream-access"

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	pkce := testutil.NewPKCEPair()
	txnID := runAuthorize(t, f, client, AuthorizeParams{
		RedirectURI:   "http://localhost:3000/cb",
		State:         "client-state-42",
		CodeChallenge: pkce.Challenge,
		Scopes:        []string{"email"},
	})

	redirect, err := f.proxy.HandleUpstreamCallback(ctx, txnID, "fake-upstream-code")
	if err != nil {
		t.Fatalf("HandleUpstreamCallback() error = %v", err)
	}

	parsed, _ := url.Parse(redirect)
	if got := parsed.Scheme + "://" + parsed.Host + parsed.Path; got != "http://localhost:3000/cb" {
		t.Errorf("redirect target = %q, want the client's redirect URI", got)
	}
	q := parsed.Query()
	// The client gets its own opaque state back, never the transaction id.
	if q.Get("state") != "client-state-42" {
		t.Errorf("state = %q, want client-state-42", q.Get("state"))
	}
	code := q.Get("code")
	if code == "" || code == "fake-upstream-code" {
		t.Errorf("code = %q, want a freshly minted proxy code", code)
	}

	loaded, err := f.proxy.LoadAuthorizationCode(ctx, client, code)
	if err != nil {
		t.Fatalf("LoadAuthorizationCode() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadAuthorizationCode() = nil for a fresh code")
	}
	if err := VerifyPKCE(pkce.Verifier, loaded.CodeChallenge, loaded.CodeChallengeMethod); err != nil {
		t.Fatalf("VerifyPKCE() error = %v", err)
	}

	token, err := f.proxy.ExchangeAuthorizationCode(ctx, client, loaded)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	// Token values pass through verbatim from the upstream response.
	if token.AccessToken != "fake-upstream-access" {
		t.Errorf("AccessToken = %q, want the upstream value untouched", token.AccessToken)
	}
	if token.RefreshToken != "upstream-refresh-token" {
		t.Errorf("RefreshToken = %q, want the upstream value untouched", token.RefreshToken)
	}
}

func TestCallbackUnknownStateIsTerminal(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.proxy.HandleUpstreamCallback(context.Background(), "state-never-issued", "some-code")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("error = %v, want ErrTransactionNotFound", err)
	}

	// No client code may exist after a rejected callback.
	if _, _, codes, _, _ := f.store.Counts(); codes != 0 {
		t.Errorf("codes = %d, want 0", codes)
	}
	// And no upstream exchange may have happened.
	if len(f.idp.TokenRequests) != 0 {
		t.Error("upstream token endpoint was called for a forged callback")
	}
}

func TestCallbackConsumesTransactionBeforeExchange(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	txnID := runAuthorize(t, f, client, AuthorizeParams{
		RedirectURI:   "http://localhost:3000/cb",
		CodeChallenge: testutil.NewPKCEPair().Challenge,
	})

	// Make the upstream exchange fail: the transaction must STILL be gone
	// afterwards, because consumption happens before the network call.
	f.idp.TokenError = "server_error"

	if _, err := f.proxy.HandleUpstreamCallback(ctx, txnID, "some-code"); err == nil {
		t.Fatal("HandleUpstreamCallback() should surface the upstream failure")
	}
	if _, txns, _, _, _ := f.store.Counts(); txns != 0 {
		t.Fatalf("transactions = %d, want 0: state must be burned before the exchange", txns)
	}

	// Replaying the same state after the failure finds nothing.
	f.idp.TokenError = ""
	if _, err := f.proxy.HandleUpstreamCallback(ctx, txnID, "some-code"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("replay error = %v, want ErrTransactionNotFound", err)
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	txnID := runAuthorize(t, f, client, AuthorizeParams{
		RedirectURI:   "http://localhost:3000/cb",
		CodeChallenge: testutil.NewPKCEPair().Challenge,
	})

	if _, err := f.proxy.HandleUpstreamCallback(ctx, txnID, "code-1"); err != nil {
		t.Fatalf("first callback error = %v", err)
	}
	if _, err := f.proxy.HandleUpstreamCallback(ctx, txnID, "code-1"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("replayed callback error = %v, want ErrTransactionNotFound", err)
	}
}

// issueCode runs authorize+callback and returns the minted client code.
func issueCode(t *testing.T, f *proxyFixture, client *storage.Client, pkce testutil.PKCEPair) string {
	t.Helper()
	ctx := context.Background()
	txnID := runAuthorize(t, f, client, AuthorizeParams{
		RedirectURI:   "http://localhost:3000/cb",
		CodeChallenge: pkce.Challenge,
	})
	redirect, err := f.proxy.HandleUpstreamCallback(ctx, txnID, "upstream-code")
	if err != nil {
		t.Fatalf("HandleUpstreamCallback() error = %v", err)
	}
	parsed, _ := url.Parse(redirect)
	return parsed.Query().Get("code")
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	code := issueCode(t, f, client, testutil.NewPKCEPair())

	loaded, err := f.proxy.LoadAuthorizationCode(ctx, client, code)
	if err != nil || loaded == nil {
		t.Fatalf("LoadAuthorizationCode() = %v, %v", loaded, err)
	}
	if _, err := f.proxy.ExchangeAuthorizationCode(ctx, client, loaded); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	// The code is spent: a second load finds nothing.
	again, err := f.proxy.LoadAuthorizationCode(ctx, client, code)
	if err != nil {
		t.Fatalf("second LoadAuthorizationCode() error = %v", err)
	}
	if again != nil {
		t.Error("spent code loaded again")
	}
}

func TestAuthorizationCodeClientBinding(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	clientA, _ := f.proxy.GetClient(ctx, "client-a")
	code := issueCode(t, f, clientA, testutil.NewPKCEPair())

	clientB := &storage.Client{ClientID: "client-b", Ephemeral: true}
	stolen, err := f.proxy.LoadAuthorizationCode(ctx, clientB, code)
	if err != nil {
		t.Fatalf("LoadAuthorizationCode() error = %v", err)
	}
	if stolen != nil {
		t.Error("code issued to client-a loaded by client-b")
	}

	// The rightful owner can still redeem it.
	mine, err := f.proxy.LoadAuthorizationCode(ctx, clientA, code)
	if err != nil || mine == nil {
		t.Errorf("owner load = %v, %v", mine, err)
	}
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	client, _ := f.proxy.GetClient(ctx, "cli-client")

	expired := &storage.ClientCode{
		Code:      "expired-code",
		ClientID:  client.ClientID,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := f.store.SaveClientCode(ctx, expired); err != nil {
		t.Fatalf("SaveClientCode() error = %v", err)
	}

	got, err := f.proxy.LoadAuthorizationCode(ctx, client, "expired-code")
	if err != nil {
		t.Fatalf("LoadAuthorizationCode() error = %v", err)
	}
	if got != nil {
		t.Error("expired code loaded")
	}
	// The lookup removed it from the store.
	if _, _, codes, _, _ := f.store.Counts(); codes != 0 {
		t.Errorf("codes = %d, want 0 after read-time expiry", codes)
	}
}

func TestExchangeEstablishesTokenLinkage(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	code := issueCode(t, f, client, testutil.NewPKCEPair())
	loaded, _ := f.proxy.LoadAuthorizationCode(ctx, client, code)
	token, err := f.proxy.ExchangeAuthorizationCode(ctx, client, loaded)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}

	if err := f.proxy.RevokeToken(ctx, client, token.AccessToken, "access_token"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	// Cascade: the linked refresh token is gone too.
	if record, _ := f.proxy.LoadRefreshToken(ctx, client, token.RefreshToken); record != nil {
		t.Error("linked refresh token survived the access-token revocation")
	}
}

func TestRevocationCascadeFromRefresh(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	code := issueCode(t, f, client, testutil.NewPKCEPair())
	loaded, _ := f.proxy.LoadAuthorizationCode(ctx, client, code)
	token, _ := f.proxy.ExchangeAuthorizationCode(ctx, client, loaded)

	if err := f.proxy.RevokeToken(ctx, client, token.RefreshToken, "refresh_token"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	_, _, _, accessTokens, refreshTokens := f.store.Counts()
	if accessTokens != 0 || refreshTokens != 0 {
		t.Errorf("tokens after cascade = %d access, %d refresh; want 0, 0", accessTokens, refreshTokens)
	}

	// The revocation was also forwarded upstream.
	if len(f.idp.RevokeRequests) != 1 {
		t.Errorf("upstream revocations = %d, want 1", len(f.idp.RevokeRequests))
	}
}

func TestRevokeUnknownTokenSilent(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.proxy.GetClient(context.Background(), "cli-client")

	if err := f.proxy.RevokeToken(context.Background(), client, "nonexistent", ""); err != nil {
		t.Errorf("RevokeToken(unknown) error = %v, want nil per RFC 7009", err)
	}
	if len(f.idp.RevokeRequests) != 0 {
		t.Error("unknown token forwarded upstream")
	}
}

func TestRevokeForeignTokenSilent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	owner, _ := f.proxy.GetClient(ctx, "owner")
	code := issueCode(t, f, owner, testutil.NewPKCEPair())
	loaded, _ := f.proxy.LoadAuthorizationCode(ctx, owner, code)
	token, _ := f.proxy.ExchangeAuthorizationCode(ctx, owner, loaded)

	thief := &storage.Client{ClientID: "thief", Ephemeral: true}
	if err := f.proxy.RevokeToken(ctx, thief, token.AccessToken, ""); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	// The owner's token survives a foreign revocation attempt.
	if record, _ := f.proxy.LoadRefreshToken(ctx, owner, token.RefreshToken); record == nil {
		t.Error("foreign revocation removed the owner's refresh token")
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	code := issueCode(t, f, client, testutil.NewPKCEPair())
	loaded, _ := f.proxy.LoadAuthorizationCode(ctx, client, code)
	token, _ := f.proxy.ExchangeAuthorizationCode(ctx, client, loaded)

	f.idp.AccessToken = "refreshed-access"
	f.idp.RefreshToken = "rotated-refresh"

	record, err := f.proxy.LoadRefreshToken(ctx, client, token.RefreshToken)
	if err != nil || record == nil {
		t.Fatalf("LoadRefreshToken() = %v, %v", record, err)
	}

	refreshed, err := f.proxy.ExchangeRefreshToken(ctx, client, record)
	if err != nil {
		t.Fatalf("ExchangeRefreshToken() error = %v", err)
	}
	if refreshed.AccessToken != "refreshed-access" {
		t.Errorf("AccessToken = %q, want refreshed-access", refreshed.AccessToken)
	}
	if refreshed.RefreshToken != "rotated-refresh" {
		t.Errorf("RefreshToken = %q, want the rotated value", refreshed.RefreshToken)
	}

	// The old refresh token is retired; the new one works.
	if old, _ := f.proxy.LoadRefreshToken(ctx, client, token.RefreshToken); old != nil {
		t.Error("rotated-away refresh token still loads")
	}
	if fresh, _ := f.proxy.LoadRefreshToken(ctx, client, "rotated-refresh"); fresh == nil {
		t.Error("rotated refresh token not tracked")
	}
}

func TestRefreshWithoutRotationKeepsToken(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	client, _ := f.proxy.GetClient(ctx, "cli-client")
	code := issueCode(t, f, client, testutil.NewPKCEPair())
	loaded, _ := f.proxy.LoadAuthorizationCode(ctx, client, code)
	token, _ := f.proxy.ExchangeAuthorizationCode(ctx, client, loaded)

	// Upstream answers the refresh grant without a new refresh token.
	f.idp.RefreshToken = ""

	record, _ := f.proxy.LoadRefreshToken(ctx, client, token.RefreshToken)
	refreshed, err := f.proxy.ExchangeRefreshToken(ctx, client, record)
	if err != nil {
		t.Fatalf("ExchangeRefreshToken() error = %v", err)
	}
	// The response still hands the client its usable refresh token.
	if refreshed.RefreshToken != token.RefreshToken {
		t.Errorf("RefreshToken = %q, want the original %q", refreshed.RefreshToken, token.RefreshToken)
	}
	if fresh, _ := f.proxy.LoadRefreshToken(ctx, client, token.RefreshToken); fresh == nil {
		t.Error("unrotated refresh token dropped from tracking")
	}
}

func TestLoadRefreshTokenClientBinding(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	owner, _ := f.proxy.GetClient(ctx, "owner")
	code := issueCode(t, f, owner, testutil.NewPKCEPair())
	loaded, _ := f.proxy.LoadAuthorizationCode(ctx, owner, code)
	token, _ := f.proxy.ExchangeAuthorizationCode(ctx, owner, loaded)

	thief := &storage.Client{ClientID: "thief", Ephemeral: true}
	record, err := f.proxy.LoadRefreshToken(ctx, thief, token.RefreshToken)
	if err != nil {
		t.Fatalf("LoadRefreshToken() error = %v", err)
	}
	if record != nil {
		t.Error("foreign client loaded another client's refresh token")
	}
}

func TestLoadAccessTokenDelegatesToVerifier(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.verifier.AddToken(&verifier.AccessToken{
		Token:     "valid-token",
		ClientID:  "cli-client",
		ExpiresAt: time.Now().Add(time.Hour),
	})

	got, err := f.proxy.LoadAccessToken(ctx, "valid-token")
	if err != nil || got == nil {
		t.Fatalf("LoadAccessToken() = %v, %v", got, err)
	}

	// Unknown token: (nil, nil), not an error.
	got, err = f.proxy.LoadAccessToken(ctx, "bogus")
	if err != nil || got != nil {
		t.Errorf("LoadAccessToken(bogus) = %v, %v; want nil, nil", got, err)
	}

	// Verifier trouble propagates unchanged.
	f.verifier.Err = errors.New("jwks unreachable")
	if _, err := f.proxy.LoadAccessToken(ctx, "valid-token"); err == nil {
		t.Error("verifier failure swallowed")
	}
	if f.verifier.Calls != 3 {
		t.Errorf("verifier calls = %d, want 3 (pure delegation)", f.verifier.Calls)
	}
}
