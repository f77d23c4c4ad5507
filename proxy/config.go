package proxy

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth-proxy/instrumentation"
	"github.com/giantswarm/mcp-oauth-proxy/security"
)

const (
	// DefaultRedirectPath is where the upstream IdP sends the browser
	// back to the proxy.
	DefaultRedirectPath = "/auth/callback"

	// DefaultClientCodeTTL bounds how long a minted authorization code
	// stays redeemable.
	DefaultClientCodeTTL = 5 * time.Minute

	// DefaultTransactionTTL bounds how long the user has to complete the
	// upstream login before the flow must be restarted.
	DefaultTransactionTTL = 10 * time.Minute
)

// Config holds the proxy's own settings. Upstream IdP settings live in
// upstream.Config.
type Config struct {
	// BaseURL is the proxy's externally reachable origin, e.g.
	// "https://mcp.example.com".
	BaseURL string

	// RedirectPath is the upstream callback path, normalized to start
	// with "/". Defaults to DefaultRedirectPath.
	RedirectPath string

	// IssuerURL overrides the issuer in the metadata document. Defaults
	// to BaseURL.
	IssuerURL string

	// ResourceServerURL is the protected resource this proxy fronts.
	// Defaults to BaseURL.
	ResourceServerURL string

	// ServiceDocumentationURL is optional metadata.
	ServiceDocumentationURL string

	// AllowedClientRedirectPatterns controls which redirect URIs
	// unregistered (ephemeral) clients and DCR registrations may use.
	// nil means loopback only; an empty non-nil slice allows everything;
	// otherwise `*` wildcards per pattern.
	AllowedClientRedirectPatterns []string

	ClientCodeTTL  time.Duration
	TransactionTTL time.Duration

	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// Normalize validates and fills defaults in place. Proxy construction
// calls it; callers that need derived values such as CallbackURL before
// construction may call it themselves.
func (c *Config) Normalize() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil || !base.IsAbs() {
		return fmt.Errorf("base URL must be an absolute URL: %q", c.BaseURL)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.RedirectPath == "" {
		c.RedirectPath = DefaultRedirectPath
	}
	if !strings.HasPrefix(c.RedirectPath, "/") {
		c.RedirectPath = "/" + c.RedirectPath
	}

	if c.IssuerURL == "" {
		c.IssuerURL = c.BaseURL
	} else if u, err := url.Parse(c.IssuerURL); err != nil || !u.IsAbs() {
		return fmt.Errorf("issuer URL must be an absolute URL: %q", c.IssuerURL)
	}

	if c.ResourceServerURL == "" {
		c.ResourceServerURL = c.BaseURL
	} else if u, err := url.Parse(c.ResourceServerURL); err != nil || !u.IsAbs() {
		return fmt.Errorf("resource server URL must be an absolute URL: %q", c.ResourceServerURL)
	}

	if c.ClientCodeTTL <= 0 {
		c.ClientCodeTTL = DefaultClientCodeTTL
	}
	if c.TransactionTTL <= 0 {
		c.TransactionTTL = DefaultTransactionTTL
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Instrumentation == nil {
		c.Instrumentation = instrumentation.Disabled()
	}
	return nil
}

// CallbackURL returns the absolute URL of the upstream callback endpoint.
func (c *Config) CallbackURL() string {
	return c.BaseURL + c.RedirectPath
}
