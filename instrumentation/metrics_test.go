package instrumentation

import (
	"context"
	"testing"
)

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	tests := []struct {
		name       string
		method     string
		endpoint   string
		statusCode int
		durationMs float64
	}{
		{"authorize redirect", "GET", "/authorize", 302, 12.3},
		{"token exchange", "POST", "/token", 200, 34.5},
		{"token bad request", "POST", "/token", 400, 4.5},
		{"callback failure", "GET", "/upstream/callback", 502, 567.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic
			metrics.RecordHTTPRequest(ctx, tt.method, tt.endpoint, tt.statusCode, tt.durationMs)
		})
	}
}

func TestMetrics_RecordBrokerFlow(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	metrics.RecordAuthorizationStarted(ctx, "rp-one")
	metrics.RecordAuthorizationStarted(ctx, "rp-two")

	metrics.RecordCallbackProcessed(ctx, "idporten", true)
	metrics.RecordCallbackProcessed(ctx, "feide", false)

	metrics.RecordCodeExchange(ctx, "rp-one", "S256")
	metrics.RecordCodeExchange(ctx, "rp-two", "plain")

	metrics.RecordTokenRefresh(ctx, "rp-one", true)
	metrics.RecordTokenRefresh(ctx, "rp-two", false)

	// All should complete without panic
}

func TestMetrics_RecordSecurityEvents(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	metrics.RecordRateLimitExceeded(ctx, "ip")
	metrics.RecordRateLimitExceeded(ctx, "security_event")

	metrics.RecordPKCEValidationFailed(ctx, "S256")
	metrics.RecordPKCEValidationFailed(ctx, "plain")

	metrics.RecordCodeReuseDetected(ctx)
	metrics.RecordCodeReuseDetected(ctx)

	metrics.RecordTokenReuseDetected(ctx)

	// All should complete without panic
}

func TestMetrics_RecordStorageOperations(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	metrics.RecordStorageOperation(ctx, "insert_auth_code", "success", 12.34)
	metrics.RecordStorageOperation(ctx, "consume_auth_code", "success", 5.67)
	metrics.RecordStorageOperation(ctx, "sweep", "success", 3.45)
	metrics.RecordStorageOperation(ctx, "insert_auth_code", "error", 23.45)

	// All should complete without panic
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				metrics.RecordHTTPRequest(ctx, "GET", "/authorize", 302, 10.0)
				metrics.RecordAuthorizationStarted(ctx, "client")
				metrics.RecordCodeExchange(ctx, "client", "S256")
				metrics.RecordStorageOperation(ctx, "insert_session", "success", 5.0)
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	// Should complete without race conditions or panics
}

func TestMetrics_NoOpBehavior(t *testing.T) {
	ctx := context.Background()
	inst, err := New(Config{
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	metrics := inst.Metrics()

	// All of these should be no-ops and not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/authorize", 302, 10.0)
	metrics.RecordAuthorizationStarted(ctx, "client")
	metrics.RecordCallbackProcessed(ctx, "testidp", true)
	metrics.RecordCodeExchange(ctx, "client", "S256")
	metrics.RecordTokenRefresh(ctx, "client", true)
	metrics.RecordRateLimitExceeded(ctx, "ip")
	metrics.RecordPKCEValidationFailed(ctx, "S256")
	metrics.RecordCodeReuseDetected(ctx)
	metrics.RecordTokenReuseDetected(ctx)
	metrics.RecordStorageOperation(ctx, "sweep", "success", 5.0)
}
