package security

import "log/slog"

// redactedPlaceholder is what a Secret renders as in logs and JSON.
const redactedPlaceholder = "[REDACTED]"

// Secret wraps a sensitive string (the upstream client secret) so that
// accidental logging or serialization cannot leak it. The value is only
// reachable through an explicit Value() call.
type Secret struct {
	value string
}

// NewSecret wraps a sensitive string.
func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Value returns the wrapped secret.
func (s Secret) Value() string {
	return s.value
}

// IsZero reports whether no secret was set.
func (s Secret) IsZero() bool {
	return s.value == ""
}

// String implements fmt.Stringer with a redacted placeholder.
func (s Secret) String() string {
	if s.value == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string {
	return "security.Secret{" + s.String() + "}"
}

// MarshalJSON always serializes the placeholder, never the value.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s.value == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// LogValue implements slog.LogValuer so Secrets are safe as log attributes.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}
