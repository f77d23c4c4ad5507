// Package oauthproxy implements a transparent OAuth 2.1 authorization
// server for MCP servers that sit in front of a conventional identity
// provider. MCP clients register dynamically, authorize with PKCE, and
// refresh or revoke tokens against the proxy; the proxy presents one fixed
// upstream client identity for all of them and passes the upstream IdP's
// token values through verbatim.
package oauthproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/proxy"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/storage/memory"
	"github.com/giantswarm/mcp-oauth-proxy/upstream"
	"github.com/giantswarm/mcp-oauth-proxy/verifier"
)

// Config configures a Server. Upstream holds the IdP registration the
// proxy fronts; everything else shapes the proxy's own surface.
type Config struct {
	// BaseURL is the proxy's externally reachable origin.
	BaseURL string

	// RedirectPath is where the upstream IdP redirects back to.
	// Defaults to "/auth/callback".
	RedirectPath string

	// IssuerURL and ResourceServerURL override the metadata documents.
	// Both default to BaseURL.
	IssuerURL               string
	ResourceServerURL       string
	ServiceDocumentationURL string

	// AllowedClientRedirectPatterns restricts client redirect URIs.
	// nil means loopback only; an empty non-nil slice allows everything.
	AllowedClientRedirectPatterns []string

	ClientCodeTTL  time.Duration
	TransactionTTL time.Duration

	// Upstream is the fixed IdP registration used for every client.
	Upstream upstream.Config

	// TrustProxy enables X-Forwarded-For parsing for rate limiting and
	// audit logs. Only set behind infrastructure you control.
	TrustProxy        bool
	TrustedProxyCount int

	// RateLimitRequestsPerSecond and RateLimitBurst bound per-IP request
	// rates. Zero disables rate limiting.
	RateLimitRequestsPerSecond int
	RateLimitBurst             int

	// TokenEncryptionKey, when 32 bytes, encrypts stored upstream tokens
	// at rest. Empty disables encryption.
	TokenEncryptionKey []byte

	// EnableAuditLog turns on the hashed-PII security audit log.
	EnableAuditLog bool

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Server wires the memory store, the upstream client, and the proxy into
// an HTTP-servable unit.
type Server struct {
	cfg     *Config
	proxy   *proxy.Proxy
	store   *memory.Store
	limiter *security.RateLimiter
	handler *Handler
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation

	closeOnce sync.Once
}

// NewServer builds a ready-to-serve proxy around the given token verifier.
func NewServer(cfg *Config, tokenVerifier verifier.TokenVerifier) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst := cfg.Instrumentation
	if inst == nil {
		inst = instrumentation.Disabled()
	}

	store := memory.New()
	store.SetLogger(logger)
	store.SetInstrumentation(inst)
	if len(cfg.TokenEncryptionKey) > 0 {
		enc, err := security.NewEncryptor(cfg.TokenEncryptionKey)
		if err != nil {
			store.Stop()
			return nil, fmt.Errorf("building token encryptor: %w", err)
		}
		store.SetEncryptor(enc)
	}

	upstreamCfg := cfg.Upstream
	if upstreamCfg.Logger == nil {
		upstreamCfg.Logger = logger
	}
	if upstreamCfg.Instrumentation == nil {
		upstreamCfg.Instrumentation = inst
	}
	proxyCfg := &proxy.Config{
		BaseURL:                       cfg.BaseURL,
		RedirectPath:                  cfg.RedirectPath,
		IssuerURL:                     cfg.IssuerURL,
		ResourceServerURL:             cfg.ResourceServerURL,
		ServiceDocumentationURL:       cfg.ServiceDocumentationURL,
		AllowedClientRedirectPatterns: cfg.AllowedClientRedirectPatterns,
		ClientCodeTTL:                 cfg.ClientCodeTTL,
		TransactionTTL:                cfg.TransactionTTL,
		Logger:                        logger,
		Auditor:                       security.NewAuditor(logger, cfg.EnableAuditLog),
		Instrumentation:               inst,
	}
	if upstreamCfg.RedirectURI == "" {
		// The upstream redirect URI is the proxy's own callback; compute
		// it from the normalized proxy config so both always agree.
		staged := *proxyCfg
		if err := staged.Normalize(); err != nil {
			store.Stop()
			return nil, err
		}
		upstreamCfg.RedirectURI = staged.CallbackURL()
	}

	up, err := upstream.NewClient(&upstreamCfg)
	if err != nil {
		store.Stop()
		return nil, fmt.Errorf("building upstream client: %w", err)
	}

	p, err := proxy.New(proxyCfg, proxy.Stores{
		Clients:      store,
		Transactions: store,
		Codes:        store,
		Tokens:       store,
	}, up, tokenVerifier)
	if err != nil {
		store.Stop()
		return nil, err
	}

	var limiter *security.RateLimiter
	if cfg.RateLimitRequestsPerSecond > 0 {
		limiter = security.NewRateLimiter(cfg.RateLimitRequestsPerSecond, cfg.RateLimitBurst, logger)
	}

	s := &Server{
		cfg:     cfg,
		proxy:   p,
		store:   store,
		limiter: limiter,
		logger:  logger,
		inst:    inst,
	}
	s.handler = NewHandler(s)
	return s, nil
}

// Proxy exposes the underlying orchestrator, mainly for tests and for
// embedding the proxy in a larger server.
func (s *Server) Proxy() *proxy.Proxy { return s.proxy }

// Handler returns the HTTP handler carrying all proxy routes.
func (s *Server) Handler() *Handler { return s.handler }

// Routes returns a mux with every proxy endpoint registered, wrapped in
// the request-ID and security-header middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	s.handler.RegisterRoutes(mux)

	wrapped := security.HeadersMiddleware(s.proxy.Config().BaseURL)(mux)
	return security.RequestIDMiddleware(wrapped)
}

// Close releases background resources. Safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.store.Stop()
		if s.limiter != nil {
			s.limiter.Stop()
		}
	})
}

// Shutdown stops background work and flushes instrumentation.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	return s.inst.Shutdown(ctx)
}
