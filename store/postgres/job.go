package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// leasableCond selects rows the lease scan may touch: waiting jobs that
// are visible, claimed jobs whose lease has lapsed, and cancel-flagged
// jobs stranded by a crashed worker.
const leasableCond = `(
	(state IN ('queued', 'retrying') AND NOT cancel_requested AND (not_before IS NULL OR not_before <= ?))
	OR (state IN ('scheduled', 'running') AND (lease_expires_at IS NULL OR lease_expires_at <= ?))
	OR (cancel_requested AND state NOT IN ('succeeded', 'failed', 'cancelled') AND (lease_expires_at IS NULL OR lease_expires_at <= ?))
)`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return containercodes.ErrJobAlreadyExists
		}
		return fmt.Errorf("containercodes/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, containercodes.ErrJobNotFound
		}
		return nil, fmt.Errorf("containercodes/postgres: get job: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists mutable execution state. Terminal jobs are
// immutable, and a held job can only be written by its lease holder: a
// worker whose lease lapsed and was re-granted must not clobber the new
// holder's record. Both guards live in the WHERE clause so the common
// case is one round trip.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m, err := toJobModel(cp)
	if err != nil {
		return err
	}

	res, err := s.db.NewUpdate().Model(m).
		WherePK().
		Where("state NOT IN ('succeeded', 'failed', 'cancelled')").
		Where("(state NOT IN ('scheduled', 'running') OR worker_id = ?)", m.WorkerID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("containercodes/postgres: update job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish a missing row from a terminal or re-leased one.
		stored, getErr := s.GetJob(ctx, j.ID)
		if getErr != nil {
			return getErr
		}
		if stored.Terminal() {
			return containercodes.ErrJobTerminal
		}
		return containercodes.ErrLeaseNotHeld
	}
	return nil
}

// Lease atomically claims the best leasable job for workerID. Row
// locking with FOR UPDATE SKIP LOCKED makes the claim exclusive without
// blocking concurrent workers.
func (s *Store) Lease(ctx context.Context, workerID id.WorkerID, tiers []job.Priority, visibility time.Duration) (*job.Job, error) {
	now := time.Now().UTC()

	tierStrings := make([]string, len(tiers))
	for i, t := range tiers {
		tierStrings[i] = string(t)
	}

	// Candidates can be swept (cancelled or attempts-exhausted) instead
	// of claimed, so loop until a claim succeeds or the scan drains.
	for {
		var claimed *job.Job
		drained := false

		err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
			m := new(jobModel)
			q := tx.NewSelect().Model(m).
				Where(leasableCond, now, now, now)
			if len(tierStrings) > 0 {
				q = q.Where("priority IN (?)", bun.In(tierStrings))
			}
			err := q.Order("priority_rank DESC", "created_at ASC").
				Limit(1).
				For("UPDATE SKIP LOCKED").
				Scan(ctx)
			if err != nil {
				if isNoRows(err) {
					drained = true
					return nil
				}
				return fmt.Errorf("containercodes/postgres: lease scan: %w", err)
			}

			j, err := fromJobModel(m)
			if err != nil {
				return err
			}

			// Cancellation requested while waiting: finalize instead of
			// handing the job to a worker.
			if j.CancelRequested {
				finalize(j, job.StateCancelled, now)
				return s.saveLocked(ctx, tx, j)
			}
			// Attempts already used up (for example after a lease expiry
			// on the final attempt): finalize to failed.
			if j.AttemptCount >= j.RetryPolicy.MaxAttempts {
				j.Failure = &job.Failure{
					Class:   job.FailureTransientInfra,
					Message: "lease expired with no attempts remaining",
				}
				finalize(j, job.StateFailed, now)
				return s.saveLocked(ctx, tx, j)
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
			if err := s.saveLocked(ctx, tx, j); err != nil {
				return err
			}
			claimed = j
			return nil
		})
		if err != nil {
			return nil, err
		}
		if claimed != nil || drained {
			return claimed, nil
		}
	}
}

// RenewLease extends the holder's lease by visibility from now.
func (s *Store) RenewLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID, visibility time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		TableExpr("codes_jobs").
		Set("lease_expires_at = ?", now.Add(visibility)).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("worker_id = ?", workerID.String()).
		Where("state IN ('scheduled', 'running')").
		Where("lease_expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("containercodes/postgres: renew lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.holderError(ctx, jobID, workerID, now)
	}
	return nil
}

// ReleaseLease clears the lease, verifying workerID holds it.
func (s *Store) ReleaseLease(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	res, err := s.db.NewUpdate().
		TableExpr("codes_jobs").
		Set("worker_id = NULL").
		Set("lease_acquired_at = NULL").
		Set("lease_expires_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", jobID.String()).
		Where("worker_id = ?", workerID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("containercodes/postgres: release lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return containercodes.ErrLeaseNotHeld
	}
	return nil
}

// ReEnqueue returns a leased job to the queue for a later attempt.
func (s *Store) ReEnqueue(ctx context.Context, jobID id.JobID, workerID id.WorkerID, notBefore time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		TableExpr("codes_jobs").
		Set("state = 'retrying'").
		Set("phase = ''").
		Set("not_before = ?", notBefore).
		Set("worker_id = NULL").
		Set("lease_acquired_at = NULL").
		Set("lease_expires_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("worker_id = ?", workerID.String()).
		Where("state IN ('scheduled', 'running')").
		Where("lease_expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("containercodes/postgres: re-enqueue: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.holderError(ctx, jobID, workerID, now)
	}
	return nil
}

// RequestCancel marks the job for cancellation.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var out *job.Job
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		m := new(jobModel)
		err := tx.NewSelect().Model(m).
			Where("id = ?", jobID.String()).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return containercodes.ErrJobNotFound
			}
			return fmt.Errorf("containercodes/postgres: cancel select: %w", err)
		}

		j, err := fromJobModel(m)
		if err != nil {
			return err
		}
		if j.Terminal() {
			return containercodes.ErrJobTerminal
		}

		now := time.Now().UTC()
		j.CancelRequested = true
		if j.State.Held() {
			// The holding worker observes the flag at its next checkpoint.
			j.UpdatedAt = now
		} else {
			finalize(j, job.StateCancelled, now)
		}
		if err := s.saveLocked(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResetForRetry re-queues a failed job.
func (s *Store) ResetForRetry(ctx context.Context, jobID id.JobID, keepAttempts bool) (*job.Job, error) {
	var out *job.Job
	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		m := new(jobModel)
		err := tx.NewSelect().Model(m).
			Where("id = ?", jobID.String()).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return containercodes.ErrJobNotFound
			}
			return fmt.Errorf("containercodes/postgres: retry select: %w", err)
		}

		j, err := fromJobModel(m)
		if err != nil {
			return err
		}
		if j.State != job.StateFailed {
			return containercodes.ErrJobNotFailed
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
		if err := s.saveLocked(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListJobsByState returns jobs in the given states, newest first.
func (s *Store) ListJobsByState(ctx context.Context, states []job.State, limit int) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)
	if len(states) > 0 {
		stateStrings := make([]string, len(states))
		for i, st := range states {
			stateStrings[i] = string(st)
		}
		q = q.Where("state IN (?)", bun.In(stateStrings))
	}
	q = q.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("containercodes/postgres: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs in the given states.
func (s *Store) CountJobs(ctx context.Context, states []job.State) (int, error) {
	q := s.db.NewSelect().TableExpr("codes_jobs")
	if len(states) > 0 {
		stateStrings := make([]string, len(states))
		for i, st := range states {
			stateStrings[i] = string(st)
		}
		q = q.Where("state IN (?)", bun.In(stateStrings))
	}
	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("containercodes/postgres: count jobs: %w", err)
	}
	return count, nil
}

// ListActiveLeases returns the leases of held jobs, expired included.
func (s *Store) ListActiveLeases(ctx context.Context) ([]job.Lease, error) {
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("state IN ('scheduled', 'running')").
		Where("worker_id IS NOT NULL AND worker_id <> ''").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("containercodes/postgres: list leases: %w", err)
	}

	leases := make([]job.Lease, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		leases = append(leases, j.Lease())
	}
	return leases, nil
}

// ──────────────────────────────────────────────────
// Internal
// ──────────────────────────────────────────────────

// saveLocked writes a row already locked by the surrounding transaction.
func (s *Store) saveLocked(ctx context.Context, tx bun.Tx, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	if _, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("containercodes/postgres: save job: %w", err)
	}
	return nil
}

// holderError distinguishes a lost lease from one held by another worker.
func (s *Store) holderError(ctx context.Context, jobID id.JobID, workerID id.WorkerID, now time.Time) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.WorkerID == workerID && !j.LeaseExpiresAt.After(now) {
		return containercodes.ErrLeaseExpired
	}
	return containercodes.ErrLeaseNotHeld
}

func finalize(j *job.Job, state job.State, now time.Time) {
	j.WorkerID = id.WorkerID{}
	j.LeaseAcquiredAt = time.Time{}
	j.LeaseExpiresAt = time.Time{}
	j.State = state
	j.Phase = ""
	n := now
	j.CompletedAt = &n
	j.UpdatedAt = now
}
