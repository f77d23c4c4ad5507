package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the proxy's metric instruments.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow layer
	ClientRegistered     metric.Int64Counter
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRefreshed       metric.Int64Counter
	TokenRevoked         metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReplayDetected   metric.Int64Counter

	// Storage
	StoreOperationTotal     metric.Int64Counter
	StoreOperationDuration  metric.Float64Histogram
	StoreClientsCount       metric.Int64ObservableGauge
	StoreTransactionsCount  metric.Int64ObservableGauge
	StoreCodesCount         metric.Int64ObservableGauge
	StoreAccessTokensCount  metric.Int64ObservableGauge
	StoreRefreshTokensCount metric.Int64ObservableGauge

	// Upstream identity provider
	UpstreamCallsTotal   metric.Int64Counter
	UpstreamCallDuration metric.Float64Histogram
	UpstreamCallErrors   metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	httpMeter := inst.Meter("http")
	proxyMeter := inst.Meter("proxy")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	upstreamMeter := inst.Meter("upstream")

	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth_proxy.http.requests.total",
		metric.WithDescription("Total HTTP requests handled"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating http.requests.total: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth_proxy.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating http.request.duration: %w", err)
	}

	m.ClientRegistered, err = proxyMeter.Int64Counter(
		"oauth_proxy.client.registered",
		metric.WithDescription("Dynamic client registrations"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating client.registered: %w", err)
	}

	m.AuthorizationStarted, err = proxyMeter.Int64Counter(
		"oauth_proxy.authorization.started",
		metric.WithDescription("Authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating authorization.started: %w", err)
	}

	m.CallbackProcessed, err = proxyMeter.Int64Counter(
		"oauth_proxy.callback.processed",
		metric.WithDescription("Upstream callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating callback.processed: %w", err)
	}

	m.CodeExchanged, err = proxyMeter.Int64Counter(
		"oauth_proxy.code.exchanged",
		metric.WithDescription("Authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating code.exchanged: %w", err)
	}

	m.TokenRefreshed, err = proxyMeter.Int64Counter(
		"oauth_proxy.token.refreshed",
		metric.WithDescription("Refresh token exchanges"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token.refreshed: %w", err)
	}

	m.TokenRevoked, err = proxyMeter.Int64Counter(
		"oauth_proxy.token.revoked",
		metric.WithDescription("Token revocations"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token.revoked: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"oauth_proxy.rate_limit.exceeded",
		metric.WithDescription("Rate limit rejections"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rate_limit.exceeded: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"oauth_proxy.pkce.validation_failed",
		metric.WithDescription("PKCE verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pkce.validation_failed: %w", err)
	}

	m.CodeReplayDetected, err = securityMeter.Int64Counter(
		"oauth_proxy.code.replay_detected",
		metric.WithDescription("Attempted reuse of consumed authorization codes"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating code.replay_detected: %w", err)
	}

	m.StoreOperationTotal, err = storageMeter.Int64Counter(
		"oauth_proxy.storage.operation.total",
		metric.WithDescription("Store operations performed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating storage.operation.total: %w", err)
	}

	m.StoreOperationDuration, err = storageMeter.Float64Histogram(
		"oauth_proxy.storage.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating storage.operation.duration: %w", err)
	}

	gauges := []struct {
		target *metric.Int64ObservableGauge
		name   string
		desc   string
	}{
		{&m.StoreClientsCount, "oauth_proxy.storage.clients", "Registered clients currently stored"},
		{&m.StoreTransactionsCount, "oauth_proxy.storage.transactions", "Authorization transactions in flight"},
		{&m.StoreCodesCount, "oauth_proxy.storage.codes", "Unredeemed client codes"},
		{&m.StoreAccessTokensCount, "oauth_proxy.storage.access_tokens", "Tracked access tokens"},
		{&m.StoreRefreshTokensCount, "oauth_proxy.storage.refresh_tokens", "Tracked refresh tokens"},
	}
	for _, g := range gauges {
		*g.target, err = storageMeter.Int64ObservableGauge(
			g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("{entry}"),
		)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", g.name, err)
		}
	}

	m.UpstreamCallsTotal, err = upstreamMeter.Int64Counter(
		"oauth_proxy.upstream.calls.total",
		metric.WithDescription("Calls to the upstream identity provider"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating upstream.calls.total: %w", err)
	}

	m.UpstreamCallDuration, err = upstreamMeter.Float64Histogram(
		"oauth_proxy.upstream.call.duration",
		metric.WithDescription("Upstream call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating upstream.call.duration: %w", err)
	}

	m.UpstreamCallErrors, err = upstreamMeter.Int64Counter(
		"oauth_proxy.upstream.call.errors",
		metric.WithDescription("Failed upstream calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating upstream.call.errors: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordClientRegistered records a DCR registration.
func (m *Metrics) RecordClientRegistered(ctx context.Context, ephemeral bool) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("ephemeral", ephemeral),
	))
}

// RecordAuthorizationStarted records the start of an authorization flow.
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCallbackProcessed records an upstream callback, successful or not.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordCodeExchanged records a completed code exchange.
func (m *Metrics) RecordCodeExchanged(ctx context.Context, clientID string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordTokenRefreshed records a refresh grant, noting rotation.
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevoked records a revocation.
func (m *Metrics) RecordTokenRevoked(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordRateLimitExceeded records a rate-limit rejection by endpoint.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordPKCEValidationFailed records a failed PKCE verification.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReplayDetected records an attempted reuse of a consumed code.
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordStoreOperation records one store call with its outcome.
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StoreOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StoreOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordUpstreamCall records one call to the identity provider.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, operation string, durationMs float64, err error) {
	m.UpstreamCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	))
	m.UpstreamCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
	if err != nil {
		m.UpstreamCallErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
		))
	}
}
