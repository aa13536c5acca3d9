// Package observability provides an OpenTelemetry-based metrics extension
// for the job-execution core. The MetricsExtension implements lifecycle
// hooks to record system-wide counters for enqueue, lease, success,
// failure, retry, cancellation, and security-violation events.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
