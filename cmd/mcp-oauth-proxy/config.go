package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	oauthproxy "github.com/giantswarm/mcp-oauth-proxy"
	"github.com/giantswarm/mcp-oauth-proxy/security"
	"github.com/giantswarm/mcp-oauth-proxy/upstream"
	jwtverifier "github.com/giantswarm/mcp-oauth-proxy/verifier/jwt"
)

// Environment variables that override their config-file counterparts, so
// secrets can stay out of the YAML file.
const (
	envUpstreamClientID     = "OAUTH_PROXY_UPSTREAM_CLIENT_ID"
	envUpstreamClientSecret = "OAUTH_PROXY_UPSTREAM_CLIENT_SECRET"
	envTokenEncryptionKey   = "OAUTH_PROXY_TOKEN_ENCRYPTION_KEY"
	envJWTHMACSecret        = "OAUTH_PROXY_JWT_HMAC_SECRET"
)

// fileConfig is the YAML configuration file layout.
type fileConfig struct {
	ListenAddress string `yaml:"listen_address"`

	BaseURL                 string   `yaml:"base_url"`
	RedirectPath            string   `yaml:"redirect_path"`
	IssuerURL               string   `yaml:"issuer_url"`
	ResourceServerURL       string   `yaml:"resource_server_url"`
	ServiceDocumentationURL string   `yaml:"service_documentation_url"`
	AllowedRedirectPatterns []string `yaml:"allowed_redirect_patterns"`

	ClientCodeTTL  string `yaml:"client_code_ttl"`
	TransactionTTL string `yaml:"transaction_ttl"`

	Upstream struct {
		ClientID              string            `yaml:"client_id"`
		ClientSecret          string            `yaml:"client_secret"`
		AuthorizationEndpoint string            `yaml:"authorization_endpoint"`
		TokenEndpoint         string            `yaml:"token_endpoint"`
		RevocationEndpoint    string            `yaml:"revocation_endpoint"`
		Scopes                []string          `yaml:"scopes"`
		ExtraAuthorizeParams  map[string]string `yaml:"extra_authorize_params"`
	} `yaml:"upstream"`

	Verifier struct {
		JWKSURL        string   `yaml:"jwks_url"`
		HMACSecret     string   `yaml:"hmac_secret"`
		Issuer         string   `yaml:"issuer"`
		Audience       string   `yaml:"audience"`
		RequiredScopes []string `yaml:"required_scopes"`
	} `yaml:"verifier"`

	Security struct {
		TrustProxy                 bool   `yaml:"trust_proxy"`
		TrustedProxyCount          int    `yaml:"trusted_proxy_count"`
		RateLimitRequestsPerSecond int    `yaml:"rate_limit_requests_per_second"`
		RateLimitBurst             int    `yaml:"rate_limit_burst"`
		TokenEncryptionKey         string `yaml:"token_encryption_key"`
		AuditLog                   bool   `yaml:"audit_log"`
	} `yaml:"security"`

	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

// loadConfig reads the YAML file, applies environment overrides, and
// validates the result.
func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &fileConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *fileConfig) applyEnvOverrides() {
	if v := os.Getenv(envUpstreamClientID); v != "" {
		c.Upstream.ClientID = v
	}
	if v := os.Getenv(envUpstreamClientSecret); v != "" {
		c.Upstream.ClientSecret = v
	}
	if v := os.Getenv(envTokenEncryptionKey); v != "" {
		c.Security.TokenEncryptionKey = v
	}
	if v := os.Getenv(envJWTHMACSecret); v != "" {
		c.Verifier.HMACSecret = v
	}
}

func (c *fileConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Upstream.ClientID == "" {
		return fmt.Errorf("upstream.client_id is required (or %s)", envUpstreamClientID)
	}
	if c.Upstream.AuthorizationEndpoint == "" || c.Upstream.TokenEndpoint == "" {
		return fmt.Errorf("upstream.authorization_endpoint and upstream.token_endpoint are required")
	}
	if c.Verifier.JWKSURL == "" && c.Verifier.HMACSecret == "" {
		return fmt.Errorf("verifier.jwks_url or verifier.hmac_secret is required (or %s)", envJWTHMACSecret)
	}
	if c.Verifier.JWKSURL != "" && c.Verifier.HMACSecret != "" {
		return fmt.Errorf("verifier.jwks_url and verifier.hmac_secret are mutually exclusive")
	}
	if _, err := c.clientCodeTTL(); err != nil {
		return err
	}
	if _, err := c.transactionTTL(); err != nil {
		return err
	}
	if _, err := c.tokenEncryptionKey(); err != nil {
		return err
	}
	return nil
}

func (c *fileConfig) listenAddress() string {
	if c.ListenAddress == "" {
		return ":8080"
	}
	return c.ListenAddress
}

func (c *fileConfig) clientCodeTTL() (time.Duration, error) {
	return parseOptionalDuration("client_code_ttl", c.ClientCodeTTL)
}

func (c *fileConfig) transactionTTL() (time.Duration, error) {
	return parseOptionalDuration("transaction_ttl", c.TransactionTTL)
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

func (c *fileConfig) tokenEncryptionKey() ([]byte, error) {
	if c.Security.TokenEncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Security.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("security.token_encryption_key must be base64: %w", err)
	}
	return key, nil
}

// serverConfig maps the file configuration onto the library config.
func (c *fileConfig) serverConfig() (*oauthproxy.Config, error) {
	clientCodeTTL, err := c.clientCodeTTL()
	if err != nil {
		return nil, err
	}
	transactionTTL, err := c.transactionTTL()
	if err != nil {
		return nil, err
	}
	encryptionKey, err := c.tokenEncryptionKey()
	if err != nil {
		return nil, err
	}

	return &oauthproxy.Config{
		BaseURL:                       c.BaseURL,
		RedirectPath:                  c.RedirectPath,
		IssuerURL:                     c.IssuerURL,
		ResourceServerURL:             c.ResourceServerURL,
		ServiceDocumentationURL:       c.ServiceDocumentationURL,
		AllowedClientRedirectPatterns: c.AllowedRedirectPatterns,
		ClientCodeTTL:                 clientCodeTTL,
		TransactionTTL:                transactionTTL,
		Upstream: upstream.Config{
			ClientID:              c.Upstream.ClientID,
			ClientSecret:          security.NewSecret(c.Upstream.ClientSecret),
			AuthorizationEndpoint: c.Upstream.AuthorizationEndpoint,
			TokenEndpoint:         c.Upstream.TokenEndpoint,
			RevocationEndpoint:    c.Upstream.RevocationEndpoint,
			Scopes:                c.Upstream.Scopes,
			ExtraAuthorizeParams:  c.Upstream.ExtraAuthorizeParams,
		},
		TrustProxy:                 c.Security.TrustProxy,
		TrustedProxyCount:          c.Security.TrustedProxyCount,
		RateLimitRequestsPerSecond: c.Security.RateLimitRequestsPerSecond,
		RateLimitBurst:             c.Security.RateLimitBurst,
		TokenEncryptionKey:         encryptionKey,
		EnableAuditLog:             c.Security.AuditLog,
	}, nil
}

// verifierConfig maps the verifier section onto the JWT verifier config.
func (c *fileConfig) verifierConfig() jwtverifier.Config {
	cfg := jwtverifier.Config{
		JWKSURL:        c.Verifier.JWKSURL,
		Issuer:         c.Verifier.Issuer,
		Audience:       c.Verifier.Audience,
		RequiredScopes: c.Verifier.RequiredScopes,
	}
	if c.Verifier.HMACSecret != "" {
		cfg.HMACSecret = []byte(c.Verifier.HMACSecret)
	}
	return cfg
}
