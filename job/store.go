package job

import (
	"context"
	"time"

	"github.com/codyaverett/container-codes/id"
)

// Store is the persistence contract for jobs and their leases. Backends
// must make Lease atomic: under concurrent callers exactly one receives
// a given job.
type Store interface {
	// CreateJob persists a new job. It returns
	// containercodes.ErrJobAlreadyExists when the ID is taken.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob returns the job or containercodes.ErrJobNotFound.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists mutable execution state. It returns
	// containercodes.ErrJobTerminal when the stored job is already in a
	// terminal state, and containercodes.ErrJobNotFound when missing.
	UpdateJob(ctx context.Context, j *Job) error

	// Lease atomically claims the highest-ranked leasable job whose
	// priority is in tiers (all tiers when empty). A job is leasable when
	// it is queued, scheduled, or retrying with its NotBefore elapsed, or
	// running with an expired lease. On success the job's AttemptCount is
	// incremented, its state becomes running, and its lease is held by
	// workerID until now+visibility.
	//
	// A leasable job whose attempts are already exhausted is finalized to
	// failed instead of returned. A job with CancelRequested set is
	// finalized to cancelled instead of returned. When nothing is
	// leasable, Lease returns (nil, nil).
	Lease(ctx context.Context, workerID id.WorkerID, tiers []Priority, visibility time.Duration) (*Job, error)

	// RenewLease extends the holder's lease by visibility from now. It
	// returns containercodes.ErrLeaseNotHeld when workerID is not the
	// current holder and containercodes.ErrLeaseExpired when the lease
	// lapsed and the job is no longer running under this worker.
	RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, visibility time.Duration) error

	// ReleaseLease clears the lease, verifying workerID holds it. The
	// caller sets the job's next state via UpdateJob first; backends that
	// store the lease with the job may combine the two.
	ReleaseLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ReEnqueue returns a leased job to the queue for a later attempt.
	// The lease is cleared, state becomes retrying, and the job is not
	// leasable again before notBefore. AttemptCount is preserved.
	ReEnqueue(ctx context.Context, jobID id.JobID, workerID id.WorkerID, notBefore time.Time) error

	// RequestCancel marks the job for cancellation. Queued, scheduled,
	// and retrying jobs transition directly to cancelled; running jobs
	// keep running with CancelRequested set for the executor to observe.
	// Terminal jobs return containercodes.ErrJobTerminal.
	RequestCancel(ctx context.Context, jobID id.JobID) (*Job, error)

	// ResetForRetry re-queues a failed job with AttemptCount zeroed (or
	// preserved, per keepAttempts) and failure details cleared. Non-failed
	// jobs return containercodes.ErrJobNotFailed.
	ResetForRetry(ctx context.Context, jobID id.JobID, keepAttempts bool) (*Job, error)

	// ListJobsByState returns jobs in the given states, newest first,
	// bounded by limit (unbounded when limit <= 0).
	ListJobsByState(ctx context.Context, states []State, limit int) ([]*Job, error)

	// CountJobs returns the number of jobs currently in the given states.
	CountJobs(ctx context.Context, states []State) (int, error)

	// ListActiveLeases returns the leases of all running jobs, expired
	// ones included. The reconciler uses it to find orphans.
	ListActiveLeases(ctx context.Context) ([]Lease, error)
}
