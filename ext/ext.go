package ext

import (
	"context"
	"time"

	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobLeased is called when a worker claims a job.
type JobLeased interface {
	OnJobLeased(ctx context.Context, j *job.Job, workerID id.WorkerID) error
}

// JobPhaseChanged is called as a running job moves between phases
// (preparing, executing, collecting, completing).
type JobPhaseChanged interface {
	OnJobPhaseChanged(ctx context.Context, j *job.Job, phase job.Phase) error
}

// JobSucceeded is called after a job finishes successfully.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, failure job.Failure) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a job reaches the cancelled state.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// SecurityViolation is called when a sandbox isolation breach is
// detected. The offending worker is quarantined afterwards.
type SecurityViolation interface {
	OnSecurityViolation(ctx context.Context, j *job.Job, workerID id.WorkerID, reason string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
