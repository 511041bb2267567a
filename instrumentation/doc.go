// Package instrumentation provides OpenTelemetry instrumentation for mcp-auth.
//
// It covers every layer of the service:
//   - HTTP: request counts and latency per endpoint
//   - Server: codes issued and exchanged, tokens issued, invalid grants, client auth failures
//   - Security: rate limiting, PKCE failures, outbound state validation results
//   - Storage: operation counts, latency and outstanding code/token gauges
//   - Upstream: calls to third-party MCP authorization servers
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:       "mcp-auth",
//		ServiceVersion:    version,
//		Enabled:           true,
//		PrometheusEnabled: true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false no-op providers are used and every Record* call is free.
//
// # Traces
//
// Spans are produced by an SDK tracer provider. Attach exporters or test
// recorders through Config.SpanProcessors.
//
// # Security
//
// Span attributes never carry secrets. Client IPs are only attached when
// Config.LogClientIPs is set.
package instrumentation
