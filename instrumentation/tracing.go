package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Attributes carry flow metadata only. Raw credentials (tokens, codes,
// client secrets) must never be attached to spans; use presence booleans or
// hashed references instead.
const (
	AttrClientID      = "oauth.client_id"
	AttrGrantType     = "oauth.grant_type"
	AttrResponseType  = "oauth.response_type"
	AttrScope         = "oauth.scope"
	AttrPKCEMethod    = "oauth.pkce.method"
	AttrRedirectURI   = "oauth.redirect_uri"
	AttrEphemeral     = "oauth.client.ephemeral"
	AttrTransactionID = "oauth.transaction_id"
	AttrTokenType     = "oauth.token_type" //nolint:gosec // type label, not a token
	AttrError         = "oauth.error"

	AttrStoreOperation = "storage.operation"
	AttrStoreResult    = "storage.result"

	AttrUpstreamOperation = "upstream.operation"
	AttrUpstreamStatus    = "upstream.status"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records err on the span and marks it failed. Nil-safe on both
// arguments.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as completed successfully.
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes, tolerating a nil span.
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes attaches the common authorization-flow attributes.
func AddFlowAttributes(span trace.Span, clientID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddUpstreamAttributes attaches identity-provider call attributes.
func AddUpstreamAttributes(span trace.Span, operation string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrUpstreamOperation, operation),
		attribute.Int(AttrUpstreamStatus, statusCode),
	)
}

// AddHTTPAttributes attaches request attributes to an endpoint span.
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
