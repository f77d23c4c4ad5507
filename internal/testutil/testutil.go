// Package testutil provides shared helpers for tests: PKCE pairs and a fake
// upstream identity provider.
package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/oauth2"
)

// PKCEPair is a code verifier with its S256 challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// NewPKCEPair generates a fresh verifier and its S256 challenge.
func NewPKCEPair() PKCEPair {
	verifier := oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	return PKCEPair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}
}

// FakeIdP is an httptest-backed upstream identity provider.
type FakeIdP struct {
	Server *httptest.Server

	// AccessToken, RefreshToken and ExpiresIn shape the token responses.
	AccessToken  string
	RefreshToken string
	ExpiresIn    int

	// TokenError, when set, makes the token endpoint return this OAuth
	// error code with status 400.
	TokenError string

	// RevokeStatus is the revocation endpoint's response code.
	RevokeStatus int

	TokenRequests  []url.Values
	RevokeRequests []url.Values
}

// NewFakeIdP starts a fake IdP whose server shuts down with the test.
func NewFakeIdP(t *testing.T) *FakeIdP {
	t.Helper()

	f := &FakeIdP{
		AccessToken:  "upstream-access-token",
		RefreshToken: "upstream-refresh-token",
		ExpiresIn:    3600,
		RevokeStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		// The browser leg is never exercised server-side in tests.
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.TokenRequests = append(f.TokenRequests, r.PostForm)

		w.Header().Set("Content-Type", "application/json")
		if f.TokenError != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": f.TokenError})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  f.AccessToken,
			"refresh_token": f.RefreshToken,
			"token_type":    "Bearer",
			"expires_in":    f.ExpiresIn,
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.RevokeRequests = append(f.RevokeRequests, r.PostForm)
		w.WriteHeader(f.RevokeStatus)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// AuthorizationEndpoint returns the fake authorize URL.
func (f *FakeIdP) AuthorizationEndpoint() string { return f.Server.URL + "/authorize" }

// TokenEndpoint returns the fake token URL.
func (f *FakeIdP) TokenEndpoint() string { return f.Server.URL + "/token" }

// RevocationEndpoint returns the fake revocation URL.
func (f *FakeIdP) RevocationEndpoint() string { return f.Server.URL + "/revoke" }
