// Package memory provides a fully in-memory job store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

var _ job.Store = (*Store)(nil)

// Store keeps every job in a map guarded by a single mutex. The mutex
// is what makes Lease atomic: exactly one concurrent caller claims a
// given job.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return containercodes.ErrJobAlreadyExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// GetJob returns a copy of the job.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, containercodes.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists mutable execution state. Terminal jobs are
// immutable, and a job held under lease can only be written by its
// holder: a worker whose lease lapsed and was re-granted must not
// clobber the new holder's record.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID.String()]
	if !ok {
		return containercodes.ErrJobNotFound
	}
	if stored.Terminal() {
		return containercodes.ErrJobTerminal
	}
	if stored.State.Held() && stored.WorkerID != j.WorkerID {
		return containercodes.ErrLeaseNotHeld
	}
	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID.String()] = cp
	return nil
}

// Lease atomically claims the best leasable job for workerID.
func (m *Store) Lease(_ context.Context, workerID id.WorkerID, tiers []job.Priority, visibility time.Duration) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tierSet := make(map[job.Priority]struct{}, len(tiers))
	for _, t := range tiers {
		tierSet[t] = struct{}{}
	}

	now := time.Now().UTC()

	var candidates []*job.Job
	for _, j := range m.jobs {
		// Cancel-requested jobs whose lease is gone are swept here so a
		// crashed worker cannot strand them in a non-terminal state.
		sweepable := j.CancelRequested && !j.Terminal() && !j.Lease().Valid(now)
		if !j.Leasable(now) && !sweepable {
			continue
		}
		if len(tierSet) > 0 {
			if _, ok := tierSet[j.Priority]; !ok {
				continue
			}
		}
		candidates = append(candidates, j)
	}

	// Sort: priority rank DESC (high first), CreatedAt ASC (oldest first).
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority.Rank() > candidates[k].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	for _, j := range candidates {
		// Cancellation requested while waiting: finalize instead of
		// handing the job to a worker.
		if j.CancelRequested {
			m.finalizeLocked(j, job.StateCancelled, now)
			continue
		}
		// Attempts already used up (for example after a lease expiry on
		// the final attempt): finalize to failed.
		if j.AttemptCount >= j.RetryPolicy.MaxAttempts {
			j.Failure = &job.Failure{
				Class:   job.FailureTransientInfra,
				Message: "lease expired with no attempts remaining",
			}
			m.finalizeLocked(j, job.StateFailed, now)
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
		return j.Clone(), nil
	}

	return nil, nil
}

// RenewLease extends the holder's lease.
func (m *Store) RenewLease(_ context.Context, jobID id.JobID, workerID id.WorkerID, visibility time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return containercodes.ErrJobNotFound
	}
	if err := m.checkHolderLocked(j, workerID); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.LeaseExpiresAt = now.Add(visibility)
	j.UpdatedAt = now
	return nil
}

// ReleaseLease clears the lease held by workerID.
func (m *Store) ReleaseLease(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return containercodes.ErrJobNotFound
	}
	if j.WorkerID != workerID {
		return containercodes.ErrLeaseNotHeld
	}
	m.clearLeaseLocked(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// ReEnqueue returns a leased job to the queue for a later attempt.
func (m *Store) ReEnqueue(_ context.Context, jobID id.JobID, workerID id.WorkerID, notBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return containercodes.ErrJobNotFound
	}
	if err := m.checkHolderLocked(j, workerID); err != nil {
		return err
	}
	m.clearLeaseLocked(j)
	j.State = job.StateRetrying
	j.Phase = ""
	j.NotBefore = notBefore
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// RequestCancel marks the job for cancellation.
func (m *Store) RequestCancel(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, containercodes.ErrJobNotFound
	}
	if j.Terminal() {
		return nil, containercodes.ErrJobTerminal
	}

	now := time.Now().UTC()
	j.CancelRequested = true
	if j.State.Held() {
		// A worker holds the job and will observe the flag at its next
		// phase checkpoint.
		j.UpdatedAt = now
	} else {
		m.finalizeLocked(j, job.StateCancelled, now)
	}
	return j.Clone(), nil
}

// ResetForRetry re-queues a failed job.
func (m *Store) ResetForRetry(_ context.Context, jobID id.JobID, keepAttempts bool) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, containercodes.ErrJobNotFound
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
	return j.Clone(), nil
}

// ListJobsByState returns jobs in the given states, newest first.
func (m *Store) ListJobsByState(_ context.Context, states []job.State, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stateSet := make(map[job.State]struct{}, len(states))
	for _, s := range states {
		stateSet[s] = struct{}{}
	}

	var out []*job.Job
	for _, j := range m.jobs {
		if len(stateSet) > 0 {
			if _, ok := stateSet[j.State]; !ok {
				continue
			}
		}
		out = append(out, j.Clone())
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
func (m *Store) CountJobs(_ context.Context, states []job.State) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stateSet := make(map[job.State]struct{}, len(states))
	for _, s := range states {
		stateSet[s] = struct{}{}
	}

	count := 0
	for _, j := range m.jobs {
		if len(stateSet) > 0 {
			if _, ok := stateSet[j.State]; !ok {
				continue
			}
		}
		count++
	}
	return count, nil
}

// ListActiveLeases returns the leases of held jobs, expired included.
func (m *Store) ListActiveLeases(_ context.Context) ([]job.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var leases []job.Lease
	for _, j := range m.jobs {
		if j.State.Held() && !j.WorkerID.IsNil() {
			leases = append(leases, j.Lease())
		}
	}
	return leases, nil
}

// ──────────────────────────────────────────────────
// Internal
// ──────────────────────────────────────────────────

// checkHolderLocked verifies workerID still holds a live lease on j.
func (m *Store) checkHolderLocked(j *job.Job, workerID id.WorkerID) error {
	if j.WorkerID != workerID || !j.State.Held() {
		return containercodes.ErrLeaseNotHeld
	}
	if !j.Lease().Valid(time.Now().UTC()) {
		return containercodes.ErrLeaseExpired
	}
	return nil
}

func (m *Store) clearLeaseLocked(j *job.Job) {
	j.WorkerID = id.WorkerID{}
	j.LeaseAcquiredAt = time.Time{}
	j.LeaseExpiresAt = time.Time{}
}

func (m *Store) finalizeLocked(j *job.Job, state job.State, now time.Time) {
	m.clearLeaseLocked(j)
	j.State = state
	j.Phase = ""
	n := now
	j.CompletedAt = &n
	j.UpdatedAt = now
}
