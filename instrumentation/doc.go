// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the broker.
//
// This package enables observability across all broker layers through:
// - Metrics: Counters, histograms, and gauges for monitoring broker operations
// - Traces: Distributed tracing for request flows across components
//
// # Quick Start
//
//	import "github.com/fjellauth/oidcbroker/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oidcbroker",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to the service and the storage backend
//	svc.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP layer:
//   - broker.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - broker.http.request.duration{endpoint} - Request duration in milliseconds
//
// Broker flows:
//   - broker.authorization.started{client_id} - Authorization flows started
//   - broker.callback.processed{provider, success} - Upstream callbacks processed
//   - broker.code.exchanged{client_id, pkce_method} - Authorization codes exchanged
//   - broker.token.refreshed{client_id, rotated} - Refresh token rotations
//
// Security:
//   - broker.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - broker.pkce.validation_failed{method} - PKCE validation failures
//   - broker.code.reuse_detected - Authorization code replay attempts
//   - broker.token.reuse_detected - Refresh token replay attempts
//
// Storage:
//   - broker.storage.operation.total{operation, result} - Storage operations
//   - broker.storage.operation.duration{operation} - Operation duration in milliseconds
//   - broker.storage.sessions - Current stored session count
//   - broker.storage.clients - Current registered client count
//   - broker.storage.login_transactions - Current pending login transaction count
//   - broker.storage.families - Current refresh token family count
//   - broker.storage.refresh_tokens - Current stored refresh token count
//
// The size gauges are fed by callbacks registered through
// RegisterStorageSizeCallbacks; the Valkey backend does not register them
// because row counts live server-side.
//
// # Metric Cardinality
//
// The client_id label yields one series per registered relying party. The
// broker registers clients from static configuration, so cardinality stays
// bounded by the deployment's client list. The provider label is a fixed set
// (idporten, feide, testidp). Subject identifiers are never used as metric
// labels.
//
// # Performance
//
// When instrumentation is disabled the package installs no-op providers, so
// recording calls have no allocations or latency impact.
//
// # Thread Safety
//
// All instrumentation operations are safe for concurrent use.
//
// # Security Considerations
//
// This package collects observability data, not credentials. Never record
// actual token values, authorization codes, client secrets, PKCE verifiers,
// or session handles in metrics or traces; record metadata only (token types,
// expiry times, validation results, family IDs). Traces and metrics are
// persisted in observability backends, replicated, and readable by wider
// audiences than the running service.
//
// Client IP addresses are personal data in some jurisdictions; gate IP
// attributes on Config.LogClientIPs.
package instrumentation
