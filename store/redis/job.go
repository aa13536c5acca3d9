package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// claimBatch is how many waiting IDs Lease inspects per tier per call.
const claimBatch = 8

// allTiers is the claim order when the caller does not restrict tiers.
var allTiers = []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}

// renewScript extends the lease TTL only while workerID still holds it.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lease only while workerID still holds it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// CreateJob persists a new job and indexes it as waiting.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("containercodes/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return containercodes.ErrJobAlreadyExists
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("containercodes/redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(jID), data, 0)
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, pendingKey(j.Priority), goredis.Z{Score: visibleScore(j), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("containercodes/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.loadJob(ctx, jobID.String())
}

// UpdateJob persists mutable execution state. Terminal jobs are
// immutable, and a held job can only be written by its lease holder: a
// worker whose lease lapsed and was re-granted must not clobber the new
// holder's record.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	stored, err := s.loadJob(ctx, j.ID.String())
	if err != nil {
		return err
	}
	if stored.Terminal() {
		return containercodes.ErrJobTerminal
	}
	if stored.State.Held() && stored.WorkerID != j.WorkerID {
		return containercodes.ErrLeaseNotHeld
	}

	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	return s.writeJob(ctx, cp)
}

// Lease atomically claims the best leasable job for workerID. Claim
// atomicity comes from SET NX on the lease key: exactly one concurrent
// caller wins a given job.
func (s *Store) Lease(ctx context.Context, workerID id.WorkerID, tiers []job.Priority, visibility time.Duration) (*job.Job, error) {
	if len(tiers) == 0 {
		tiers = allTiers
	}
	now := time.Now().UTC()

	for _, tier := range tiers {
		ids, err := s.client.ZRangeByScore(ctx, pendingKey(tier), &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", now.UnixMilli()),
			Count: claimBatch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("containercodes/redis: lease scan tier %s: %w", tier, err)
		}
		j, err := s.claimFrom(ctx, ids, workerID, visibility, now)
		if err != nil || j != nil {
			return j, err
		}
	}

	// Reclaim running jobs whose lease key has expired.
	expired, err := s.client.ZRangeByScore(ctx, runningKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: claimBatch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("containercodes/redis: lease scan expired: %w", err)
	}
	return s.claimFrom(ctx, expired, workerID, visibility, now)
}

// claimFrom races SET NX over the candidate IDs and finishes the claim
// on the first one won.
func (s *Store) claimFrom(ctx context.Context, ids []string, workerID id.WorkerID, visibility time.Duration, now time.Time) (*job.Job, error) {
	for _, jID := range ids {
		won, err := s.client.SetNX(ctx, leaseKey(jID), workerID.String(), visibility).Result()
		if err != nil {
			return nil, fmt.Errorf("containercodes/redis: claim lease: %w", err)
		}
		if !won {
			continue
		}

		j, err := s.loadJob(ctx, jID)
		if err != nil {
			if errors.Is(err, containercodes.ErrJobNotFound) {
				s.dropIndexes(ctx, jID)
				continue
			}
			s.client.Del(ctx, leaseKey(jID))
			return nil, err
		}

		// Cancellation requested while waiting, or a cancel-flagged job
		// stranded by a crashed worker: finalize instead of dispatch.
		if j.CancelRequested {
			s.finalize(ctx, j, job.StateCancelled, now)
			continue
		}
		// Re-verify under the lock; another path may have moved the job.
		if !j.Leasable(now) {
			s.client.Del(ctx, leaseKey(jID))
			continue
		}
		// Attempts already used up, for example after a lease expiry on
		// the final attempt: finalize to failed.
		if j.AttemptCount >= j.RetryPolicy.MaxAttempts {
			j.Failure = &job.Failure{
				Class:   job.FailureTransientInfra,
				Message: "lease expired with no attempts remaining",
			}
			s.finalize(ctx, j, job.StateFailed, now)
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
		if err := s.writeJob(ctx, j); err != nil {
			s.client.Del(ctx, leaseKey(jID))
			return nil, err
		}
		return j, nil
	}
	return nil, nil
}

// RenewLease extends the holder's lease by visibility from now.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, visibility time.Duration) error {
	jID := jobID.String()
	ok, err := renewScript.Run(ctx, s.client, []string{leaseKey(jID)},
		workerID.String(), visibility.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("containercodes/redis: renew lease: %w", err)
	}
	if ok == 0 {
		return s.holderError(ctx, jID, workerID)
	}

	j, err := s.loadJob(ctx, jID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	j.LeaseExpiresAt = now.Add(visibility)
	j.UpdatedAt = now
	return s.writeJob(ctx, j)
}

// ReleaseLease clears the lease held by workerID.
func (s *Store) ReleaseLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	jID := jobID.String()
	ok, err := releaseScript.Run(ctx, s.client, []string{leaseKey(jID)}, workerID.String()).Int()
	if err != nil {
		return fmt.Errorf("containercodes/redis: release lease: %w", err)
	}

	j, err := s.loadJob(ctx, jID)
	if err != nil {
		return err
	}
	if ok == 0 && j.WorkerID != workerID {
		return containercodes.ErrLeaseNotHeld
	}
	clearLease(j)
	j.UpdatedAt = time.Now().UTC()
	return s.writeJob(ctx, j)
}

// ReEnqueue returns a leased job to the queue for a later attempt.
func (s *Store) ReEnqueue(ctx context.Context, jobID id.JobID, workerID id.WorkerID, notBefore time.Time) error {
	jID := jobID.String()
	ok, err := releaseScript.Run(ctx, s.client, []string{leaseKey(jID)}, workerID.String()).Int()
	if err != nil {
		return fmt.Errorf("containercodes/redis: re-enqueue release: %w", err)
	}
	if ok == 0 {
		return s.holderError(ctx, jID, workerID)
	}

	j, err := s.loadJob(ctx, jID)
	if err != nil {
		return err
	}
	clearLease(j)
	j.State = job.StateRetrying
	j.Phase = ""
	j.NotBefore = notBefore
	j.UpdatedAt = time.Now().UTC()
	return s.writeJob(ctx, j)
}

// RequestCancel marks the job for cancellation.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.loadJob(ctx, jobID.String())
	if err != nil {
		return nil, err
	}
	if j.Terminal() {
		return nil, containercodes.ErrJobTerminal
	}

	now := time.Now().UTC()
	j.CancelRequested = true
	if j.State.Held() {
		// The holding worker observes the flag at its next checkpoint.
		j.UpdatedAt = now
		if err := s.writeJob(ctx, j); err != nil {
			return nil, err
		}
	} else {
		s.finalize(ctx, j, job.StateCancelled, now)
	}
	return j, nil
}

// ResetForRetry re-queues a failed job.
func (s *Store) ResetForRetry(ctx context.Context, jobID id.JobID, keepAttempts bool) (*job.Job, error) {
	j, err := s.loadJob(ctx, jobID.String())
	if err != nil {
		return nil, err
	}
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
	if err := s.writeJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ListJobsByState returns jobs in the given states, newest first.
func (s *Store) ListJobsByState(ctx context.Context, states []job.State, limit int) ([]*job.Job, error) {
	stateSet := make(map[job.State]struct{}, len(states))
	for _, st := range states {
		stateSet[st] = struct{}{}
	}

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("containercodes/redis: list smembers: %w", err)
	}

	var out []*job.Job
	for _, jID := range ids {
		j, loadErr := s.loadJob(ctx, jID)
		if loadErr != nil {
			continue // skip missing
		}
		if len(stateSet) > 0 {
			if _, ok := stateSet[j.State]; !ok {
				continue
			}
		}
		out = append(out, j)
	}

	sortNewestFirst(out)
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
	ids, err := s.client.ZRange(ctx, runningKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("containercodes/redis: list leases: %w", err)
	}

	var leases []job.Lease
	for _, jID := range ids {
		j, loadErr := s.loadJob(ctx, jID)
		if loadErr != nil {
			continue
		}
		if j.State.Held() && !j.WorkerID.IsNil() {
			leases = append(leases, j.Lease())
		}
	}
	return leases, nil
}

// ──────────────────────────────────────────────────
// Internal
// ──────────────────────────────────────────────────

func (s *Store) loadJob(ctx context.Context, jID string) (*job.Job, error) {
	data, err := s.client.Get(ctx, jobKey(jID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, containercodes.ErrJobNotFound
		}
		return nil, fmt.Errorf("containercodes/redis: get job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("containercodes/redis: unmarshal job %s: %w", jID, err)
	}
	return &j, nil
}

// writeJob persists the job document and realigns the waiting/running
// indexes with its state.
func (s *Store) writeJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("containercodes/redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(jID), data, 0)
	switch {
	case j.State == job.StateQueued || j.State == job.StateRetrying:
		pipe.ZAdd(ctx, pendingKey(j.Priority), goredis.Z{Score: visibleScore(j), Member: jID})
		pipe.ZRem(ctx, runningKey, jID)
	case j.State.Held():
		// Scheduled and running jobs live in the held index scored by
		// lease expiry, so lapsed claims are reclaimed by the scan.
		pipe.ZAdd(ctx, runningKey, goredis.Z{Score: float64(j.LeaseExpiresAt.UnixMilli()), Member: jID})
		pipe.ZRem(ctx, pendingKey(j.Priority), jID)
	default:
		pipe.ZRem(ctx, pendingKey(j.Priority), jID)
		pipe.ZRem(ctx, runningKey, jID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("containercodes/redis: write job: %w", err)
	}
	return nil
}

// finalize moves the job to a terminal state and cleans its indexes.
// Persist errors are logged; finalization during a lease sweep must not
// abort the caller's claim loop.
func (s *Store) finalize(ctx context.Context, j *job.Job, state job.State, now time.Time) {
	clearLease(j)
	j.State = state
	j.Phase = ""
	n := now
	j.CompletedAt = &n
	j.UpdatedAt = now
	s.client.Del(ctx, leaseKey(j.ID.String()))
	if err := s.writeJob(ctx, j); err != nil {
		s.logger.Warn("finalize write failed",
			"job_id", j.ID.String(),
			"state", string(state),
			"error", err.Error(),
		)
	}
}

// holderError distinguishes a lost lease from one held by another worker.
func (s *Store) holderError(ctx context.Context, jID string, workerID id.WorkerID) error {
	j, err := s.loadJob(ctx, jID)
	if err != nil {
		return err
	}
	if j.WorkerID == workerID {
		return containercodes.ErrLeaseExpired
	}
	return containercodes.ErrLeaseNotHeld
}

// dropIndexes removes a vanished job ID from every index.
func (s *Store) dropIndexes(ctx context.Context, jID string) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, runningKey, jID)
	for _, tier := range allTiers {
		pipe.ZRem(ctx, pendingKey(tier), jID)
	}
	pipe.Del(ctx, leaseKey(jID))
	_, _ = pipe.Exec(ctx) // best-effort cleanup
}

func clearLease(j *job.Job) {
	j.WorkerID = id.WorkerID{}
	j.LeaseAcquiredAt = time.Time{}
	j.LeaseExpiresAt = time.Time{}
}

// visibleScore is the sorted-set score for a waiting job: the instant
// it becomes leasable. FIFO within a tier falls out of CreatedAt.
func visibleScore(j *job.Job) float64 {
	t := j.NotBefore
	if t.IsZero() {
		t = j.CreatedAt
	}
	return float64(t.UnixMilli())
}

func sortNewestFirst(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}
