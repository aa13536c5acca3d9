package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// revisioned pairs a decoded job with the mod revision its document had
// when read. Writes compare against it so concurrent mutations lose.
type revisioned struct {
	job *job.Job
	rev int64
}

// CreateJob persists a new job. The transaction only commits while the
// key has never been written, which makes duplicate submits fail cleanly.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	key := jobKey(j.ID)
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("containercodes/etcd: marshal job: %w", err)
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("containercodes/etcd: create job: %w", err)
	}
	if !resp.Succeeded {
		return containercodes.ErrJobAlreadyExists
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	rj, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return rj.job, nil
}

// UpdateJob persists mutable execution state. Terminal jobs are
// immutable, and a held job can only be written by its lease holder: a
// worker whose lease lapsed and was re-granted must not clobber the new
// holder's record.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	for {
		rj, err := s.loadJob(ctx, j.ID)
		if err != nil {
			return err
		}
		if rj.job.Terminal() {
			return containercodes.ErrJobTerminal
		}
		if rj.job.State.Held() && rj.job.WorkerID != j.WorkerID {
			return containercodes.ErrLeaseNotHeld
		}

		cp := j.Clone()
		cp.UpdatedAt = time.Now().UTC()
		ok, err := s.putRev(ctx, cp, rj.rev)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Lease atomically claims the best leasable job for workerID. The claim
// is a compare-and-swap on the document's mod revision: exactly one
// concurrent caller moves a given job to running.
func (s *Store) Lease(ctx context.Context, workerID id.WorkerID, tiers []job.Priority, visibility time.Duration) (*job.Job, error) {
	tierSet := make(map[job.Priority]struct{}, len(tiers))
	for _, t := range tiers {
		tierSet[t] = struct{}{}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now().UTC()

		all, err := s.listAll(ctx)
		if err != nil {
			return nil, err
		}

		var candidates []revisioned
		for _, rj := range all {
			j := rj.job
			// Cancel-requested jobs whose lease is gone are swept here so
			// a crashed worker cannot strand them in a non-terminal state.
			sweepable := j.CancelRequested && !j.Terminal() && !j.Lease().Valid(now)
			if !j.Leasable(now) && !sweepable {
				continue
			}
			if len(tierSet) > 0 {
				if _, ok := tierSet[j.Priority]; !ok {
					continue
				}
			}
			candidates = append(candidates, rj)
		}

		// Sort: priority rank DESC (high first), CreatedAt ASC (oldest first).
		sort.Slice(candidates, func(i, k int) bool {
			if candidates[i].job.Priority != candidates[k].job.Priority {
				return candidates[i].job.Priority.Rank() > candidates[k].job.Priority.Rank()
			}
			return candidates[i].job.CreatedAt.Before(candidates[k].job.CreatedAt)
		})

		conflict := false
		for _, rj := range candidates {
			j := rj.job
			// Cancellation requested while waiting: finalize instead of
			// handing the job to a worker.
			if j.CancelRequested {
				ok, finErr := s.finalize(ctx, rj, job.StateCancelled, now)
				if finErr != nil {
					return nil, finErr
				}
				if !ok {
					conflict = true
					break
				}
				continue
			}
			// Attempts already used up (for example after a lease expiry
			// on the final attempt): finalize to failed.
			if j.AttemptCount >= j.RetryPolicy.MaxAttempts {
				j.Failure = &job.Failure{
					Class:   job.FailureTransientInfra,
					Message: "lease expired with no attempts remaining",
				}
				ok, finErr := s.finalize(ctx, rj, job.StateFailed, now)
				if finErr != nil {
					return nil, finErr
				}
				if !ok {
					conflict = true
					break
				}
				continue
			}

			j.State = job.StateScheduled
			j.Phase = job.PhasePreparing
			j.AttemptCount++
			j.WorkerID = workerID
			j.LeaseAcquiredAt = now
			j.LeaseExpiresAt = now.Add(visibility)
			j.NotBefore = time.Time{}
			if j.StartedAt == nil {
				n := now
				j.StartedAt = &n
			}
			j.UpdatedAt = now
			ok, putErr := s.putRev(ctx, j, rj.rev)
			if putErr != nil {
				return nil, putErr
			}
			if !ok {
				// Lost the race for this job; rescan rather than claim a
				// sibling from a stale snapshot.
				conflict = true
				break
			}
			return j, nil
		}

		if !conflict {
			return nil, nil
		}
	}
}

// RenewLease extends the holder's lease by visibility from now.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, visibility time.Duration) error {
	return s.mutateHeld(ctx, jobID, workerID, func(j *job.Job, now time.Time) {
		j.LeaseExpiresAt = now.Add(visibility)
	})
}

// ReleaseLease clears the lease held by workerID.
func (s *Store) ReleaseLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	for {
		rj, err := s.loadJob(ctx, jobID)
		if err != nil {
			return err
		}
		j := rj.job
		if j.WorkerID != workerID {
			return containercodes.ErrLeaseNotHeld
		}

		clearLease(j)
		j.UpdatedAt = time.Now().UTC()
		ok, err := s.putRev(ctx, j, rj.rev)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// ReEnqueue returns a leased job to the queue for a later attempt.
func (s *Store) ReEnqueue(ctx context.Context, jobID id.JobID, workerID id.WorkerID, notBefore time.Time) error {
	return s.mutateHeld(ctx, jobID, workerID, func(j *job.Job, _ time.Time) {
		clearLease(j)
		j.State = job.StateRetrying
		j.Phase = ""
		j.NotBefore = notBefore
	})
}

// RequestCancel marks the job for cancellation.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	for {
		rj, err := s.loadJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		j := rj.job
		if j.Terminal() {
			return nil, containercodes.ErrJobTerminal
		}

		now := time.Now().UTC()
		j.CancelRequested = true
		if !j.State.Held() {
			clearLease(j)
			j.State = job.StateCancelled
			j.Phase = ""
			n := now
			j.CompletedAt = &n
		}
		j.UpdatedAt = now
		ok, err := s.putRev(ctx, j, rj.rev)
		if err != nil {
			return nil, err
		}
		if ok {
			return j, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ResetForRetry re-queues a failed job.
func (s *Store) ResetForRetry(ctx context.Context, jobID id.JobID, keepAttempts bool) (*job.Job, error) {
	for {
		rj, err := s.loadJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		j := rj.job
		if j.State != job.StateFailed {
			return nil, containercodes.ErrJobNotFailed
		}

		j.State = job.StateQueued
		j.Phase = ""
		j.Failure = nil
		j.CancelRequested = false
		j.NotBefore = time.Time{}
		j.CompletedAt = nil
		if !keepAttempts {
			j.AttemptCount = 0
		}
		j.UpdatedAt = time.Now().UTC()
		ok, err := s.putRev(ctx, j, rj.rev)
		if err != nil {
			return nil, err
		}
		if ok {
			return j, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// ListJobsByState returns jobs in the given states, newest first.
func (s *Store) ListJobsByState(ctx context.Context, states []job.State, limit int) ([]*job.Job, error) {
	stateSet := make(map[job.State]struct{}, len(states))
	for _, st := range states {
		stateSet[st] = struct{}{}
	}

	all, err := s.listAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []*job.Job
	for _, rj := range all {
		if len(stateSet) > 0 {
			if _, ok := stateSet[rj.job.State]; !ok {
				continue
			}
		}
		out = append(out, rj.job)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountJobs returns the number of jobs in the given states.
func (s *Store) CountJobs(ctx context.Context, states []job.State) (int, error) {
	jobs, err := s.ListJobsByState(ctx, states, 0)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// ListActiveLeases returns the leases of held jobs, expired included.
func (s *Store) ListActiveLeases(ctx context.Context) ([]job.Lease, error) {
	all, err := s.listAll(ctx)
	if err != nil {
		return nil, err
	}

	var leases []job.Lease
	for _, rj := range all {
		if rj.job.State.Held() && !rj.job.WorkerID.IsNil() {
			leases = append(leases, rj.job.Lease())
		}
	}
	return leases, nil
}

// ──────────────────────────────────────────────────
// Internal
// ──────────────────────────────────────────────────

func (s *Store) loadJob(ctx context.Context, jobID id.JobID) (revisioned, error) {
	resp, err := s.client.Get(ctx, jobKey(jobID))
	if err != nil {
		return revisioned{}, fmt.Errorf("containercodes/etcd: get job: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return revisioned{}, containercodes.ErrJobNotFound
	}

	kv := resp.Kvs[0]
	var j job.Job
	if err := json.Unmarshal(kv.Value, &j); err != nil {
		return revisioned{}, fmt.Errorf("containercodes/etcd: unmarshal job %s: %w", jobID, err)
	}
	return revisioned{job: &j, rev: kv.ModRevision}, nil
}

// listAll reads every job document under the prefix in one range read.
func (s *Store) listAll(ctx context.Context) ([]revisioned, error) {
	resp, err := s.client.Get(ctx, jobKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("containercodes/etcd: list jobs: %w", err)
	}

	out := make([]revisioned, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var j job.Job
		if err := json.Unmarshal(kv.Value, &j); err != nil {
			s.logger.Warn("skipping undecodable job document",
				"key", string(kv.Key),
				"error", err.Error(),
			)
			continue
		}
		out = append(out, revisioned{job: &j, rev: kv.ModRevision})
	}
	return out, nil
}

// putRev writes the job document only while its mod revision is still
// rev. Returns false when a concurrent writer got there first.
func (s *Store) putRev(ctx context.Context, j *job.Job, rev int64) (bool, error) {
	key := jobKey(j.ID)
	data, err := json.Marshal(j)
	if err != nil {
		return false, fmt.Errorf("containercodes/etcd: marshal job: %w", err)
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("containercodes/etcd: put job: %w", err)
	}
	return resp.Succeeded, nil
}

// mutateHeld applies fn to a job after verifying workerID still holds a
// live lease on it, retrying on revision conflicts.
func (s *Store) mutateHeld(ctx context.Context, jobID id.JobID, workerID id.WorkerID, fn func(*job.Job, time.Time)) error {
	for {
		rj, err := s.loadJob(ctx, jobID)
		if err != nil {
			return err
		}
		j := rj.job
		now := time.Now().UTC()
		if j.WorkerID != workerID || !j.State.Held() {
			return containercodes.ErrLeaseNotHeld
		}
		if !j.Lease().Valid(now) {
			return containercodes.ErrLeaseExpired
		}

		fn(j, now)
		j.UpdatedAt = now
		ok, err := s.putRev(ctx, j, rj.rev)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// finalize moves a job to a terminal state via compare-and-swap.
func (s *Store) finalize(ctx context.Context, rj revisioned, state job.State, now time.Time) (bool, error) {
	j := rj.job
	clearLease(j)
	j.State = state
	j.Phase = ""
	n := now
	j.CompletedAt = &n
	j.UpdatedAt = now
	return s.putRev(ctx, j, rj.rev)
}

func clearLease(j *job.Job) {
	j.WorkerID = id.WorkerID{}
	j.LeaseAcquiredAt = time.Time{}
	j.LeaseExpiresAt = time.Time{}
}
