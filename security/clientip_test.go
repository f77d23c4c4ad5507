package security

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		forwardedFor      string
		realIP            string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "remote addr only",
			remoteAddr: "203.0.113.7:54321",
			want:       "203.0.113.7",
		},
		{
			name:         "forwarded header ignored without trust",
			remoteAddr:   "10.0.0.1:1234",
			forwardedFor: "203.0.113.7",
			want:         "10.0.0.1",
		},
		{
			name:              "forwarded header honored with trust",
			remoteAddr:        "10.0.0.1:1234",
			forwardedFor:      "203.0.113.7, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "client picked before trusted hops",
			remoteAddr:        "10.0.0.1:1234",
			forwardedFor:      "203.0.113.7, 198.51.100.9, 10.0.0.2",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "198.51.100.9",
		},
		{
			name:       "real ip fallback",
			remoteAddr: "10.0.0.1:1234",
			realIP:     "203.0.113.7",
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:         "garbage forwarded value falls through",
			remoteAddr:   "10.0.0.1:1234",
			forwardedFor: "not-an-ip",
			trustProxy:   true,
			want:         "10.0.0.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwardedFor != "" {
				r.Header.Set("X-Forwarded-For", tt.forwardedFor)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
