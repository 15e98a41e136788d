// Package instrumentation provides OpenTelemetry metrics and tracing
// for the authorization server.
//
// Instrumentation is optional: when disabled (or not wired at all) the
// no-op providers are used and recording has zero overhead. Metric
// instruments cover the protocol flows (codes issued and exchanged,
// tokens refreshed and revoked), security signals (PKCE failures, code
// and token reuse, rate limiting), and storage behavior.
//
// Exporters are not configured here; callers that want to ship data
// pass their own providers via Config.Resource and the returned
// MeterProvider/TracerProvider accessors.
package instrumentation
