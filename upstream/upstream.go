// Package upstream implements the server-to-server client for the upstream
// identity provider: building authorization URLs, exchanging authorization
// codes, running refresh grants, and revoking tokens (RFC 7009). The proxy
// always presents its single fixed upstream identity here, regardless of
// which downstream client started the flow.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/security"
)

// Config holds the upstream IdP configuration.
type Config struct {
	// ClientID and ClientSecret are the proxy's fixed upstream identity.
	ClientID     string
	ClientSecret security.Secret

	// AuthorizationEndpoint and TokenEndpoint are the upstream URLs.
	AuthorizationEndpoint string
	TokenEndpoint         string

	// RevocationEndpoint is optional. When empty, upstream revocation is
	// skipped and revocations are local-only.
	RevocationEndpoint string

	// RedirectURI is the proxy's callback URL registered with the
	// upstream IdP.
	RedirectURI string

	// Scopes are the default scopes requested upstream when a flow
	// carries none of its own.
	Scopes []string

	// ExtraAuthorizeParams are appended to every authorization URL
	// (audience, prompt, tenant selectors).
	ExtraAuthorizeParams map[string]string

	// HTTPClient overrides the default 30-second-timeout client.
	HTTPClient *http.Client

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Client talks to the upstream identity provider.
type Client struct {
	oauthConfig *oauth2.Config

	clientSecret         security.Secret
	defaultScopes        []string
	revocationEndpoint   string
	extraAuthorizeParams map[string]string
	httpClient           *http.Client

	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// NewClient validates the config and builds an upstream client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("upstream client ID is required")
	}
	if cfg.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("upstream authorization endpoint is required")
	}
	if cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("upstream token endpoint is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst := cfg.Instrumentation
	if inst == nil {
		inst = instrumentation.Disabled()
	}

	return &Client{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret.Value(),
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationEndpoint,
				TokenURL: cfg.TokenEndpoint,
			},
		},
		clientSecret:         cfg.ClientSecret,
		defaultScopes:        cfg.Scopes,
		revocationEndpoint:   cfg.RevocationEndpoint,
		extraAuthorizeParams: cfg.ExtraAuthorizeParams,
		httpClient:           httpClient,
		logger:               logger,
		inst:                 inst,
		tracer:               inst.Tracer("upstream"),
	}, nil
}

// ClientID returns the proxy's fixed upstream client id.
func (c *Client) ClientID() string {
	return c.oauthConfig.ClientID
}

// ClientSecret returns the upstream client secret in its redaction-safe
// wrapper. Needed by client registration, which hands every downstream
// client the proxy's single upstream identity.
func (c *Client) ClientSecret() security.Secret {
	return c.clientSecret
}

// SupportsRevocation reports whether a revocation endpoint is configured.
func (c *Client) SupportsRevocation() bool {
	return c.revocationEndpoint != ""
}

// DefaultScopes returns the configured upstream scopes, used for the
// scopes_supported metadata field.
func (c *Client) DefaultScopes() []string {
	return c.defaultScopes
}

// AuthorizationURL builds the upstream authorization URL. The state value
// is the proxy's transaction id. When scopes is empty, no scope parameter
// is emitted at all; the caller decides the scope policy.
func (c *Client) AuthorizationURL(state string, scopes []string) string {
	var opts []oauth2.AuthCodeOption
	for k, v := range c.extraAuthorizeParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	if len(scopes) > 0 {
		cfg := *c.oauthConfig
		cfg.Scopes = scopes
		return cfg.AuthCodeURL(state, opts...)
	}
	return c.oauthConfig.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems the upstream authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.exchange_code")
	defer span.End()
	start := time.Now()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.oauthConfig.Exchange(ctx, code)

	c.record(ctx, span, "exchange_code", start, err)
	if err != nil {
		return nil, fmt.Errorf("exchanging upstream code: %w", err)
	}

	c.logger.Debug("Exchanged upstream authorization code",
		"has_refresh_token", token.RefreshToken != "",
		"expires", token.Expiry)
	return token, nil
}

// Refresh runs the refresh-token grant upstream. The returned token may
// carry a rotated refresh token; callers must check for it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.refresh_token")
	defer span.End()
	start := time.Now()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	// TokenSource with an expired token forces the refresh grant.
	src := c.oauthConfig.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	token, err := src.Token()

	c.record(ctx, span, "refresh_token", start, err)
	if err != nil {
		return nil, fmt.Errorf("refreshing upstream token: %w", err)
	}

	c.logger.Debug("Refreshed upstream token",
		"rotated", token.RefreshToken != "" && token.RefreshToken != refreshToken)
	return token, nil
}

// Revoke posts the token to the upstream revocation endpoint with the
// proxy's upstream credentials (RFC 7009). tokenTypeHint is
// "access_token", "refresh_token", or empty.
func (c *Client) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	if c.revocationEndpoint == "" {
		return fmt.Errorf("no upstream revocation endpoint configured")
	}

	ctx, span := c.tracer.Start(ctx, "upstream.revoke_token")
	defer span.End()
	start := time.Now()

	form := url.Values{"token": {token}}
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revocationEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		c.record(ctx, span, "revoke_token", start, err)
		return fmt.Errorf("building revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(c.oauthConfig.ClientID), url.QueryEscape(c.oauthConfig.ClientSecret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, span, "revoke_token", start, err)
		return fmt.Errorf("calling upstream revocation endpoint: %w", err)
	}
	defer resp.Body.Close()

	// RFC 7009 requires 200 for both revoked and already-invalid tokens.
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err = fmt.Errorf("upstream revocation returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		c.record(ctx, span, "revoke_token", start, err)
		return err
	}

	c.record(ctx, span, "revoke_token", start, nil)
	c.logger.Debug("Revoked token upstream", "token_type_hint", tokenTypeHint)
	return nil
}

func (c *Client) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	c.inst.Metrics().RecordUpstreamCall(ctx, operation,
		float64(time.Since(start).Microseconds())/1000.0, err)
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
}
