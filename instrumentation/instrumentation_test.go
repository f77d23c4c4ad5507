package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNewDisabled(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.Metrics() == nil {
		t.Fatal("Metrics() = nil")
	}

	// No-op instruments must accept recordings without providers.
	ctx := context.Background()
	inst.Metrics().RecordAuthorizationStarted(ctx, "client-1")
	inst.Metrics().RecordCodeExchanged(ctx, "client-1")
	inst.Metrics().RecordUpstreamCall(ctx, "exchange_code", 12.5, nil)
	inst.Metrics().RecordStoreOperation(ctx, "save_transaction", "success", 0.2)
}

func TestDisabledNeverFails(t *testing.T) {
	inst := Disabled()
	if inst == nil || inst.Metrics() == nil {
		t.Fatal("Disabled() returned incomplete instrumentation")
	}
}

func TestMeterAndTracerScopes(t *testing.T) {
	inst, err := New(Config{ServiceName: "test-proxy"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.Meter("proxy") == nil {
		t.Error("Meter() = nil")
	}
	if inst.Tracer("upstream") == nil {
		t.Error("Tracer() = nil")
	}
}

func TestRegisterStoreSizeCallbacks(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	err = inst.RegisterStoreSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		nil,
		func() int64 { return 4 },
		nil,
	)
	if err != nil {
		t.Errorf("RegisterStoreSizeCallbacks() error = %v", err)
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	calls := 0
	inst.OnShutdown(func(ctx context.Context) error {
		calls++
		return errors.New("first")
	})
	inst.OnShutdown(func(ctx context.Context) error {
		calls++
		return errors.New("second")
	})

	if err := inst.Shutdown(context.Background()); err == nil || err.Error() != "first" {
		t.Errorf("Shutdown() error = %v, want first", err)
	}
	if calls != 2 {
		t.Errorf("shutdown calls = %d, want 2", calls)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("shutdown calls after repeat = %d, want 2", calls)
	}
}

func TestSpanHelpersNilSafe(t *testing.T) {
	// Must not panic with a nil span.
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddFlowAttributes(nil, "client-1", "read")

	_, span := tracenoop.NewTracerProvider().Tracer("test").Start(context.Background(), "op")
	defer span.End()

	RecordError(span, errors.New("boom"))
	SetSpanSuccess(span)
	AddHTTPAttributes(span, "POST", "/token", 200)
	AddUpstreamAttributes(span, "refresh_token", 502)
}
