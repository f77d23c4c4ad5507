package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// localhostPatterns is the default pattern set applied when no explicit
// patterns are configured: loopback redirect URIs on any port, the shape
// used by CLI clients that spin up an ephemeral local listener.
var localhostPatterns = []string{
	"http://localhost:*",
	"http://localhost/*",
	"http://127.0.0.1:*",
	"http://127.0.0.1/*",
}

// dangerousSchemes are rejected unconditionally, before any pattern
// matching, because they execute in the user's browser context.
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript"}

// MatchesRedirectPattern reports whether uri matches pattern. A `*` in the
// pattern matches any run of characters; matching is segment-agnostic, so
// "http://localhost:*" matches any port and any path on localhost.
func MatchesRedirectPattern(uri, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return uri == pattern
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(uri, parts[0]) {
		return false
	}
	rest := uri[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}

// ValidateRedirectURI checks uri against the configured patterns.
// A nil patterns slice means only loopback URIs are accepted; an empty
// non-nil slice accepts everything. Dangerous schemes never pass.
func ValidateRedirectURI(uri string, patterns []string) error {
	if uri == "" {
		return fmt.Errorf("redirect URI is required")
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	for _, bad := range dangerousSchemes {
		if scheme == bad {
			return fmt.Errorf("redirect URI scheme %q is not allowed", scheme)
		}
	}

	if patterns == nil {
		patterns = localhostPatterns
	}
	if len(patterns) == 0 {
		return nil
	}
	for _, pattern := range patterns {
		if MatchesRedirectPattern(uri, pattern) {
			return nil
		}
	}
	return fmt.Errorf("redirect URI %q does not match any allowed pattern", uri)
}
