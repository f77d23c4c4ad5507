package security

import (
	"net/http"
	"strings"
)

// SetHeaders applies the response headers appropriate for OAuth endpoints.
// HSTS is only sent when the public base URL is HTTPS; setting it on plain
// HTTP deployments (local development) would break browsers.
func SetHeaders(w http.ResponseWriter, baseURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	// Token and code responses must never be cached by intermediaries.
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")

	if strings.HasPrefix(baseURL, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// HeadersMiddleware returns middleware applying SetHeaders to every response.
func HeadersMiddleware(baseURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetHeaders(w, baseURL)
			next.ServeHTTP(w, r)
		})
	}
}
