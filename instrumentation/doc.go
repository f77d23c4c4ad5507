// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth proxy.
//
// All instruments are created against pluggable providers. When disabled, the
// no-op providers are used and recording costs nothing, so callers never need
// nil checks or feature flags at the call site.
//
// Scopes follow the package layout: "http" for the endpoint handlers, "proxy"
// for flow orchestration, "storage" for the stores, and "upstream" for calls
// to the identity provider.
package instrumentation
