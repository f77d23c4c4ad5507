package oauthproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/proxy"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage"
)

const tokenTypeBearer = "Bearer"

// Handler serves the proxy's HTTP surface: the discovery documents,
// dynamic client registration, the authorization and token endpoints, the
// upstream callback, and token revocation.
type Handler struct {
	server *Server
	proxy  *proxy.Proxy
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler builds the HTTP handler for a server.
func NewHandler(s *Server) *Handler {
	return &Handler{
		server: s,
		proxy:  s.proxy,
		logger: s.logger,
		tracer: s.inst.Tracer("handler"),
	}
}

// RegisterRoutes registers every proxy endpoint on the mux. The revocation
// endpoint is registered only when the upstream IdP supports revocation,
// and the metadata document advertises it under the same condition.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", h.ServeAuthorizationServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", h.ServeProtectedResourceMetadata)
	mux.HandleFunc("/register", h.ServeClientRegistration)
	mux.HandleFunc("/authorize", h.ServeAuthorization)
	mux.HandleFunc("/token", h.ServeToken)
	mux.HandleFunc(h.proxy.Config().RedirectPath, h.ServeCallback)
	if h.proxy.SupportsRevocation() {
		mux.HandleFunc("/revoke", h.ServeTokenRevocation)
	}

	h.logger.Info("Registered OAuth proxy routes",
		"callback_path", h.proxy.Config().RedirectPath,
		"revocation", h.proxy.SupportsRevocation())
}

// ServeAuthorizationServerMetadata serves RFC 8414 authorization server
// metadata. OpenID Connect discovery gets the same document per RFC 8414
// section 5.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, h.buildMetadata())
}

func (h *Handler) buildMetadata() *AuthorizationServerMetadata {
	cfg := h.proxy.Config()
	md := &AuthorizationServerMetadata{
		Issuer:                            cfg.IssuerURL,
		AuthorizationEndpoint:             cfg.BaseURL + "/authorize",
		TokenEndpoint:                     cfg.BaseURL + "/token",
		RegistrationEndpoint:              cfg.BaseURL + "/register",
		ScopesSupported:                   h.proxy.UpstreamScopes(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{proxy.CodeChallengeMethodS256},
		ServiceDocumentation:              cfg.ServiceDocumentationURL,
	}
	if h.proxy.SupportsRevocation() {
		md.RevocationEndpoint = cfg.BaseURL + "/revoke"
	}
	return md
}

// ServeProtectedResourceMetadata serves RFC 9728 protected resource
// metadata, pointing resource clients at this proxy as the authorization
// server.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := h.proxy.Config()
	h.writeJSON(w, http.StatusOK, &ProtectedResourceMetadata{
		Resource:               cfg.ResourceServerURL,
		AuthorizationServers:   []string{cfg.IssuerURL},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.proxy.UpstreamScopes(),
	})
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
// Registration always succeeds for acceptable redirect URIs; the response
// carries the proxy's single upstream identity.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.register")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.allowRequest(w, r, "register") {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTP(ctx, "register", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest("Invalid registration request body"))
		return
	}

	reg, err := h.proxy.RegisterClient(ctx, &proxy.ClientRegistrationRequest{
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "register", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest(err.Error()))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, reg.Client.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTP(ctx, "register", r.Method, http.StatusCreated, start)

	h.writeJSON(w, http.StatusCreated, &ClientRegistrationResponse{
		ClientID:                reg.Client.ClientID,
		ClientSecret:            reg.ClientSecret.Value(),
		ClientIDIssuedAt:        reg.Client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            reg.Client.RedirectURIs,
		TokenEndpointAuthMethod: reg.Client.TokenEndpointAuthMethod,
		GrantTypes:              reg.Client.GrantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              reg.Client.ClientName,
	})
}

// ServeAuthorization handles the authorization endpoint: it validates the
// request, records a transaction, and redirects the browser to the
// upstream IdP.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.authorize")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.allowRequest(w, r, "authorize") {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		h.recordHTTP(ctx, "authorize", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest("client_id is required"))
		return
	}
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		h.recordHTTP(ctx, "authorize", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest(fmt.Sprintf("response type %q is not supported", rt)))
		return
	}

	client, err := h.proxy.GetClient(ctx, clientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "authorize", r.Method, http.StatusInternalServerError, start)
		h.writeOAuthError(w, ErrServerError("Failed to resolve client"))
		return
	}

	var scopes []string
	if scope := q.Get("scope"); scope != "" {
		scopes = strings.Fields(scope)
	}
	authURL, err := h.proxy.Authorize(ctx, client, proxy.AuthorizeParams{
		RedirectURI:         q.Get("redirect_uri"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scopes:              scopes,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "authorize", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest(err.Error()))
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID))
	instrumentation.SetSpanSuccess(span)
	h.recordHTTP(ctx, "authorize", r.Method, http.StatusFound, start)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the redirect back from the upstream IdP. This is a
// browser-facing endpoint, so failures render an HTML page rather than a
// JSON error the user would never see formatted.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.callback")
	defer span.End()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		// The upstream IdP refused (user denied consent, policy, outage).
		// The flow is terminal; there is no client redirect to fall back
		// to without a validated transaction.
		desc := q.Get("error_description")
		h.logger.Warn("Upstream returned an authorization error",
			"error", errCode, "description", desc)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrError, errCode))
		h.recordHTTP(ctx, "callback", r.Method, http.StatusBadRequest, start)
		h.serveCallbackErrorPage(w, http.StatusBadRequest, errCode, desc)
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		h.recordHTTP(ctx, "callback", r.Method, http.StatusBadRequest, start)
		h.serveCallbackErrorPage(w, http.StatusBadRequest, ErrorCodeInvalidRequest,
			"The callback is missing its state or code parameter.")
		return
	}

	redirect, err := h.proxy.HandleUpstreamCallback(ctx, state, code)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, proxy.ErrTransactionNotFound) {
			h.recordHTTP(ctx, "callback", r.Method, http.StatusBadRequest, start)
			h.serveCallbackErrorPage(w, http.StatusBadRequest, ErrorCodeInvalidRequest,
				"This authorization request is unknown or has expired. Please start over.")
			return
		}
		h.logger.Error("Upstream callback failed", "error", err)
		h.recordHTTP(ctx, "callback", r.Method, http.StatusBadGateway, start)
		h.serveCallbackErrorPage(w, http.StatusBadGateway, ErrorCodeServerError,
			"The identity provider could not complete the authorization. Please try again.")
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTP(ctx, "callback", r.Method, http.StatusFound, start)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.allowRequest(w, r, "token") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request body"))
		return
	}

	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeOAuthError(w, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.token_exchange")
	defer span.End()

	code := r.FormValue("code")
	codeVerifier := r.FormValue("code_verifier")
	redirectURI := r.FormValue("redirect_uri")

	if code == "" {
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest("code is required"))
		return
	}

	client, oauthErr := h.resolveClient(ctx, r)
	if oauthErr != nil {
		h.recordHTTP(ctx, "token", r.Method, oauthErr.Status, start)
		h.writeOAuthError(w, oauthErr)
		return
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))

	record, err := h.proxy.LoadAuthorizationCode(ctx, client, code)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "token", r.Method, http.StatusInternalServerError, start)
		h.writeOAuthError(w, ErrServerError("Failed to load authorization code"))
		return
	}
	if record == nil {
		// Unknown, expired, or another client's code. One generic answer
		// for all three; details go to the debug log only.
		h.logger.Debug("Authorization code rejected", "client_id", client.ClientID)
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidGrant("Authorization code is invalid or expired"))
		return
	}

	if record.RedirectURI != "" && redirectURI != record.RedirectURI {
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidGrant("redirect_uri does not match the authorization request"))
		return
	}

	if err := proxy.VerifyPKCE(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod); err != nil {
		h.logger.Warn("PKCE verification failed", "client_id", client.ClientID, "error", err)
		h.server.inst.Metrics().RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidGrant("PKCE verification failed"))
		return
	}

	token, err := h.proxy.ExchangeAuthorizationCode(ctx, client, record)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidGrant("Authorization code is invalid or expired"))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTP(ctx, "token", r.Method, http.StatusOK, start)
	h.writeTokenResponse(w, token, strings.Join(record.Scopes, " "))
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.token_refresh")
	defer span.End()

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest("refresh_token is required"))
		return
	}

	client, oauthErr := h.resolveClient(ctx, r)
	if oauthErr != nil {
		h.recordHTTP(ctx, "token", r.Method, oauthErr.Status, start)
		h.writeOAuthError(w, oauthErr)
		return
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID))

	record, err := h.proxy.LoadRefreshToken(ctx, client, refreshToken)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "token", r.Method, http.StatusInternalServerError, start)
		h.writeOAuthError(w, ErrServerError("Failed to load refresh token"))
		return
	}
	if record == nil {
		h.logger.Debug("Refresh token rejected", "client_id", client.ClientID)
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidGrant("Refresh token is invalid or expired"))
		return
	}

	token, err := h.proxy.ExchangeRefreshToken(ctx, client, record)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "token", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidGrant("Refresh token is invalid or expired"))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTP(ctx, "token", r.Method, http.StatusOK, start)
	h.writeTokenResponse(w, token, strings.Join(record.Scopes, " "))
}

// ServeTokenRevocation handles RFC 7009 revocation. Unknown and foreign
// tokens still get 200; only transport-level failures surface.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "http.revoke")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.allowRequest(w, r, "revoke") {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request body"))
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.recordHTTP(ctx, "revoke", r.Method, http.StatusBadRequest, start)
		h.writeOAuthError(w, ErrInvalidRequest("token is required"))
		return
	}

	client, oauthErr := h.resolveClient(ctx, r)
	if oauthErr != nil {
		h.recordHTTP(ctx, "revoke", r.Method, oauthErr.Status, start)
		h.writeOAuthError(w, oauthErr)
		return
	}

	if err := h.proxy.RevokeToken(ctx, client, token, r.FormValue("token_type_hint")); err != nil {
		instrumentation.RecordError(span, err)
		h.recordHTTP(ctx, "revoke", r.Method, http.StatusInternalServerError, start)
		h.writeOAuthError(w, ErrServerError("Revocation failed"))
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTP(ctx, "revoke", r.Method, http.StatusOK, start)
	w.WriteHeader(http.StatusOK)
}

// resolveClient identifies the calling client from basic auth or the
// client_id form value. Every client record carries auth method "none", so
// a secret is never required; one that is supplied anyway must match the
// registered record.
func (h *Handler) resolveClient(ctx context.Context, r *http.Request) (*storage.Client, *Error) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok && basicID != "" {
		clientID = basicID
		clientSecret = basicSecret
	}
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.proxy.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrServerError("Failed to resolve client")
	}

	// Ephemeral clients have no secret to check against.
	if clientSecret != "" && !client.Ephemeral {
		if err := h.server.store.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			h.logger.Debug("Client secret mismatch", "client_id", clientID)
			return nil, ErrInvalidClient("Invalid client credentials")
		}
	}
	return client, nil
}

// allowRequest applies the per-IP rate limit. A rejected request gets 429
// with Retry-After.
func (h *Handler) allowRequest(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if h.server.limiter == nil {
		return true
	}

	ip := security.ClientIP(r, h.server.cfg.TrustProxy, h.server.cfg.TrustedProxyCount)
	if h.server.limiter.Allow(ip) {
		return true
	}

	h.logger.Warn("Rate limit exceeded", "ip", ip, "endpoint", endpoint)
	h.server.inst.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)

	w.Header().Set("Retry-After", "60")
	h.writeOAuthError(w, NewError(ErrorCodeInvalidRequest,
		"Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
	return false
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Scope:        scope,
	}
	if resp.TokenType == "" {
		resp.TokenType = tokenTypeBearer
	}
	if !token.Expiry.IsZero() {
		if expiresIn := int64(time.Until(token.Expiry).Seconds()); expiresIn > 0 {
			resp.ExpiresIn = expiresIn
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *Error) {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}
	h.writeJSON(w, oauthErr.Status, &ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

const callbackErrorTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorization failed</title>
<style>
body { font-family: -apple-system, system-ui, sans-serif; margin: 10% auto; max-width: 32em; padding: 0 1em; color: #1a1a1a; }
h1 { font-size: 1.3em; }
code { background: #f2f2f2; padding: 0.1em 0.3em; border-radius: 3px; }
</style>
</head>
<body>
<h1>Authorization failed</h1>
<p>{{.Description}}</p>
<p>Error code: <code>{{.Code}}</code></p>
<p>You can close this window and retry from your application.</p>
</body>
</html>
`

var callbackErrorTmpl = template.Must(template.New("callback_error").Parse(callbackErrorTemplate))

// serveCallbackErrorPage renders a terminal HTML error for the
// browser-facing callback endpoint.
func (h *Handler) serveCallbackErrorPage(w http.ResponseWriter, status int, code, description string) {
	if description == "" {
		description = "The authorization could not be completed."
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	err := callbackErrorTmpl.Execute(w, struct {
		Code        string
		Description string
	}{Code: code, Description: description})
	if err != nil {
		h.logger.Error("Failed to render callback error page", "error", err)
	}
}

func (h *Handler) recordHTTP(ctx context.Context, endpoint, method string, status int, start time.Time) {
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	h.server.inst.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}
