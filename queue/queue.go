package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// waitingStates are the states that count against queue depth.
// Scheduled jobs are already claimed by a worker, so they don't wait.
var waitingStates = []job.State{job.StateQueued, job.StateRetrying}

// Queue is the dispatch surface over a job.Store. It is safe for
// concurrent use.
type Queue struct {
	store      job.Store
	logger     *slog.Logger
	maxDepth   int
	visibility time.Duration

	// wake is pulsed on enqueue so idle pollers pick up new work
	// without waiting out their poll interval.
	wake chan struct{}
}

// New creates a Queue over the given store. maxDepth caps the number of
// waiting jobs (zero means unbounded); visibility is the lease duration
// granted to workers.
func New(store job.Store, maxDepth int, visibility time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:      store,
		logger:     logger.With(slog.String("component", "queue")),
		maxDepth:   maxDepth,
		visibility: visibility,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue admits a job into the queue. It returns ErrNoCapacity when
// the depth cap is reached and ErrJobAlreadyExists on an ID conflict.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) error {
	if q.maxDepth > 0 {
		depth, err := q.store.CountJobs(ctx, waitingStates)
		if err != nil {
			return fmt.Errorf("count queue depth: %w", err)
		}
		if depth >= q.maxDepth {
			return fmt.Errorf("%w: queue depth %d at limit", containercodes.ErrNoCapacity, depth)
		}
	}

	if err := q.store.CreateJob(ctx, j); err != nil {
		return err
	}

	q.logger.Info("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.String("priority", string(j.Priority)),
	)
	q.pulse()
	return nil
}

// Lease claims the next leasable job for workerID, restricted to the
// given priority tiers (all tiers when empty). It returns (nil, nil)
// when nothing is claimable.
func (q *Queue) Lease(ctx context.Context, workerID id.WorkerID, tiers []job.Priority) (*job.Job, error) {
	j, err := q.store.Lease(ctx, workerID, tiers, q.visibility)
	if err != nil {
		return nil, err
	}
	if j != nil {
		q.logger.Debug("lease granted",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", workerID.String()),
			slog.Int("attempt", j.AttemptCount),
			slog.Time("expires_at", j.LeaseExpiresAt),
		)
	}
	return j, nil
}

// Renew extends the worker's hold on a running job by the visibility
// timeout. Workers call it periodically as a heartbeat.
func (q *Queue) Renew(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	return q.store.RenewLease(ctx, jobID, workerID, q.visibility)
}

// Release gives up the lease after the worker has persisted the job's
// final state.
func (q *Queue) Release(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	return q.store.ReleaseLease(ctx, jobID, workerID)
}

// ReEnqueue returns a leased job to the queue for another attempt after
// delay. The job is not claimable until the delay elapses.
func (q *Queue) ReEnqueue(ctx context.Context, jobID id.JobID, workerID id.WorkerID, delay time.Duration) error {
	notBefore := time.Now().UTC().Add(delay)
	if err := q.store.ReEnqueue(ctx, jobID, workerID, notBefore); err != nil {
		return err
	}
	q.logger.Info("job re-enqueued",
		slog.String("job_id", jobID.String()),
		slog.Duration("delay", delay),
	)
	return nil
}

// Depth returns the number of jobs waiting for a worker.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountJobs(ctx, waitingStates)
}

// Wake returns a channel that receives a pulse whenever a job is
// enqueued. The channel has a one-slot buffer; pulses coalesce.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) pulse() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
