package proxy

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// RFC 7636 verifier length bounds.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// CodeChallengeMethodS256 is the only challenge method the proxy accepts.
// Plain is deliberately unsupported (OAuth 2.1 drops it).
const CodeChallengeMethodS256 = "S256"

// ComputeCodeChallenge returns the S256 challenge for a verifier.
func ComputeCodeChallenge(codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a code verifier against the challenge recorded at
// authorize time. The comparison is constant-time.
func VerifyPKCE(codeVerifier, codeChallenge, method string) error {
	if codeChallenge == "" {
		return fmt.Errorf("no code challenge recorded")
	}
	if method != "" && method != CodeChallengeMethodS256 {
		return fmt.Errorf("unsupported code challenge method %q", method)
	}
	if len(codeVerifier) < minVerifierLength || len(codeVerifier) > maxVerifierLength {
		return fmt.Errorf("code verifier length %d outside RFC 7636 bounds", len(codeVerifier))
	}

	computed := ComputeCodeChallenge(codeVerifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) != 1 {
		return fmt.Errorf("code verifier does not match challenge")
	}
	return nil
}
