// Package security provides the proxy's security primitives: redaction-safe
// secret handling, audit logging with hashed PII, per-identifier rate
// limiting, request-ID correlation, payload encryption at rest, and secure
// HTTP response headers.
package security
