package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/codyaverett/container-codes/ext"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/codyaverett/container-codes/observability"

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.JobEnqueued       = (*MetricsExtension)(nil)
	_ ext.JobLeased         = (*MetricsExtension)(nil)
	_ ext.JobSucceeded      = (*MetricsExtension)(nil)
	_ ext.JobFailed         = (*MetricsExtension)(nil)
	_ ext.JobRetrying       = (*MetricsExtension)(nil)
	_ ext.JobCancelled      = (*MetricsExtension)(nil)
	_ ext.SecurityViolation = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters via OpenTelemetry.
// Register it as an extension to automatically track enqueue rates, lease
// grants, success and failure counts, retries, cancellations, and security
// violations. Failure counters carry the failure class as an attribute, so
// a dashboard can split infrastructure flakes from job bugs.
type MetricsExtension struct {
	enqueued   metric.Int64Counter
	leased     metric.Int64Counter
	succeeded  metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	cancelled  metric.Int64Counter
	violations metric.Int64Counter

	// duration records end-to-end job time from enqueue to success.
	duration metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider. With no provider configured it degrades to noop
// instruments.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. This variant allows injecting a specific MeterProvider for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.enqueued, _ = meter.Int64Counter("codes.job.enqueued",
		metric.WithDescription("Jobs accepted into the queue"),
		metric.WithUnit("{job}"))
	m.leased, _ = meter.Int64Counter("codes.job.leased",
		metric.WithDescription("Lease grants, one per attempt"),
		metric.WithUnit("{lease}"))
	m.succeeded, _ = meter.Int64Counter("codes.job.succeeded",
		metric.WithDescription("Jobs that reached the succeeded state"),
		metric.WithUnit("{job}"))
	m.failed, _ = meter.Int64Counter("codes.job.failed",
		metric.WithDescription("Jobs that reached the failed state"),
		metric.WithUnit("{job}"))
	m.retried, _ = meter.Int64Counter("codes.job.retried",
		metric.WithDescription("Attempts re-enqueued with backoff"),
		metric.WithUnit("{attempt}"))
	m.cancelled, _ = meter.Int64Counter("codes.job.cancelled",
		metric.WithDescription("Jobs that reached the cancelled state"),
		metric.WithUnit("{job}"))
	m.violations, _ = meter.Int64Counter("codes.security.violations",
		metric.WithDescription("Security violations reported by workers"),
		metric.WithUnit("{violation}"))
	m.duration, _ = meter.Float64Histogram("codes.job.lifetime",
		metric.WithDescription("End-to-end time from enqueue to success in seconds"),
		metric.WithUnit("s"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", string(j.Priority)),
	))
	return nil
}

// OnJobLeased implements ext.JobLeased.
func (m *MetricsExtension) OnJobLeased(ctx context.Context, j *job.Job, _ id.WorkerID) error {
	m.leased.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", string(j.Priority)),
	))
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	attrs := metric.WithAttributes(attribute.String("priority", string(j.Priority)))
	m.succeeded.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, failure job.Failure) error {
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", string(j.Priority)),
		attribute.String("class", string(failure.Class)),
	))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", string(j.Priority)),
	))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.cancelled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("priority", string(j.Priority)),
	))
	return nil
}

// ── Security hooks ──────────────────────────────────

// OnSecurityViolation implements ext.SecurityViolation.
func (m *MetricsExtension) OnSecurityViolation(ctx context.Context, _ *job.Job, workerID id.WorkerID, reason string) error {
	m.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker_id", workerID.String()),
		attribute.String("reason", reason),
	))
	return nil
}
