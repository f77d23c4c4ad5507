package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen_address: ":9090"
base_url: https://proxy.example.com
redirect_path: /oauth/callback
allowed_redirect_patterns:
  - "http://localhost:*"
  - "https://*.example.com/*"
client_code_ttl: 2m
transaction_ttl: 5m
upstream:
  client_id: upstream-id
  client_secret: upstream-secret
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
  revocation_endpoint: https://idp.example.com/revoke
  scopes: [openid, email]
  extra_authorize_params:
    audience: https://api.example.com
verifier:
  jwks_url: https://idp.example.com/jwks
  issuer: https://idp.example.com
  audience: https://proxy.example.com
  required_scopes: [read]
security:
  trust_proxy: true
  trusted_proxy_count: 1
  rate_limit_requests_per_second: 50
  rate_limit_burst: 100
  audit_log: true
telemetry:
  enabled: true
  service_name: oauth-proxy-test
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfigFile(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.listenAddress())
	assert.Equal(t, "https://proxy.example.com", cfg.BaseURL)
	assert.Equal(t, "/oauth/callback", cfg.RedirectPath)
	assert.Equal(t, []string{"http://localhost:*", "https://*.example.com/*"}, cfg.AllowedRedirectPatterns)

	assert.Equal(t, "upstream-id", cfg.Upstream.ClientID)
	assert.Equal(t, "upstream-secret", cfg.Upstream.ClientSecret)
	assert.Equal(t, []string{"openid", "email"}, cfg.Upstream.Scopes)
	assert.Equal(t, "https://api.example.com", cfg.Upstream.ExtraAuthorizeParams["audience"])

	codeTTL, err := cfg.clientCodeTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, codeTTL)
	txnTTL, err := cfg.transactionTTL()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, txnTTL)

	assert.True(t, cfg.Security.TrustProxy)
	assert.Equal(t, 50, cfg.Security.RateLimitRequestsPerSecond)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfigFile(t, `
base_url: https://proxy.example.com
upstream:
  client_id: upstream-id
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
verifier:
  jwks_url: https://idp.example.com/jwks
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.listenAddress())

	codeTTL, err := cfg.clientCodeTTL()
	require.NoError(t, err)
	assert.Zero(t, codeTTL)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(envUpstreamClientSecret, "secret-from-env")
	t.Setenv(envTokenEncryptionKey, base64.StdEncoding.EncodeToString(make([]byte, 32)))

	cfg, err := loadConfig(writeConfigFile(t, `
base_url: https://proxy.example.com
upstream:
  client_id: upstream-id
  client_secret: secret-from-file
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
verifier:
  jwks_url: https://idp.example.com/jwks
`))
	require.NoError(t, err)

	assert.Equal(t, "secret-from-env", cfg.Upstream.ClientSecret)

	key, err := cfg.tokenEncryptionKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name: "missing base url",
			content: `
upstream:
  client_id: upstream-id
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
verifier:
  jwks_url: https://idp.example.com/jwks
`,
			errMsg: "base_url",
		},
		{
			name: "missing upstream client id",
			content: `
base_url: https://proxy.example.com
upstream:
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
verifier:
  jwks_url: https://idp.example.com/jwks
`,
			errMsg: "upstream.client_id",
		},
		{
			name: "missing upstream endpoints",
			content: `
base_url: https://proxy.example.com
upstream:
  client_id: upstream-id
verifier:
  jwks_url: https://idp.example.com/jwks
`,
			errMsg: "authorization_endpoint",
		},
		{
			name: "missing verifier",
			content: `
base_url: https://proxy.example.com
upstream:
  client_id: upstream-id
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
`,
			errMsg: "verifier.jwks_url or verifier.hmac_secret",
		},
		{
			name: "jwks and hmac both set",
			content: `
base_url: https://proxy.example.com
upstream:
  client_id: upstream-id
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
verifier:
  jwks_url: https://idp.example.com/jwks
  hmac_secret: shared-secret
`,
			errMsg: "mutually exclusive",
		},
		{
			name: "bad duration",
			content: `
base_url: https://proxy.example.com
client_code_ttl: not-a-duration
upstream:
  client_id: upstream-id
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
verifier:
  jwks_url: https://idp.example.com/jwks
`,
			errMsg: "client_code_ttl",
		},
		{
			name: "bad encryption key encoding",
			content: `
base_url: https://proxy.example.com
upstream:
  client_id: upstream-id
  authorization_endpoint: https://idp.example.com/authorize
  token_endpoint: https://idp.example.com/token
verifier:
  jwks_url: https://idp.example.com/jwks
security:
  token_encryption_key: "not base64!!!"
`,
			errMsg: "base64",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(writeConfigFile(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestServerConfigMapping(t *testing.T) {
	cfg, err := loadConfig(writeConfigFile(t, sampleConfig))
	require.NoError(t, err)

	serverCfg, err := cfg.serverConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://proxy.example.com", serverCfg.BaseURL)
	assert.Equal(t, "/oauth/callback", serverCfg.RedirectPath)
	assert.Equal(t, 2*time.Minute, serverCfg.ClientCodeTTL)
	assert.Equal(t, "upstream-id", serverCfg.Upstream.ClientID)
	assert.Equal(t, "upstream-secret", serverCfg.Upstream.ClientSecret.Value())
	assert.Equal(t, "https://idp.example.com/revoke", serverCfg.Upstream.RevocationEndpoint)
	assert.True(t, serverCfg.TrustProxy)
	assert.Equal(t, 100, serverCfg.RateLimitBurst)
	assert.True(t, serverCfg.EnableAuditLog)

	verifierCfg := cfg.verifierConfig()
	assert.Equal(t, "https://idp.example.com/jwks", verifierCfg.JWKSURL)
	assert.Nil(t, verifierCfg.HMACSecret)
	assert.Equal(t, []string{"read"}, verifierCfg.RequiredScopes)
}
