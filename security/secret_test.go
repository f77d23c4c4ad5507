package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestSecretRedaction(t *testing.T) {
	s := NewSecret("super-secret-value")

	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%v", s); got != "[REDACTED]" {
		t.Errorf("%%v = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%#v", s); strings.Contains(got, "super-secret-value") {
		t.Errorf("%%#v leaked the secret: %q", got)
	}
	if got := s.Value(); got != "super-secret-value" {
		t.Errorf("Value() = %q, want the original", got)
	}
}

func TestSecretJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		ClientSecret Secret `json:"client_secret"`
	}{ClientSecret: NewSecret("super-secret-value")})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "super-secret-value") {
		t.Errorf("JSON leaked the secret: %s", data)
	}
}

func TestSecretLogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("registered", "secret", NewSecret("super-secret-value"))

	if strings.Contains(buf.String(), "super-secret-value") {
		t.Errorf("log output leaked the secret: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Errorf("log output missing redaction marker: %s", buf.String())
	}
}

func TestSecretIsZero(t *testing.T) {
	if !NewSecret("").IsZero() {
		t.Error("empty secret should be zero")
	}
	if NewSecret("x").IsZero() {
		t.Error("non-empty secret should not be zero")
	}
}

func TestHashForLogging(t *testing.T) {
	a := HashForLogging("token-value")
	b := HashForLogging("token-value")
	c := HashForLogging("other-value")

	if a != b {
		t.Error("same input should hash identically")
	}
	if a == c {
		t.Error("different inputs should hash differently")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if strings.Contains(a, "token-value") {
		t.Error("hash should not contain the input")
	}
}
