package job

import (
	"time"

	"github.com/codyaverett/container-codes/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting to be leased by a worker.
	StateQueued State = "queued"
	// StateScheduled means a worker holds the lease but execution has not
	// begun.
	StateScheduled State = "scheduled"
	// StateRunning means a worker is driving the job through its
	// execution phases.
	StateRunning State = "running"
	// StateRetrying means the job failed but is scheduled for retry after
	// a backoff delay.
	StateRetrying State = "retrying"
	// StateSucceeded means the job finished successfully. Terminal.
	StateSucceeded State = "succeeded"
	// StateFailed means the job failed and will not be retried. Terminal.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled. Terminal.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Held reports whether a worker currently holds the job under lease:
// scheduled (claimed, not yet executing) or running.
func (s State) Held() bool {
	return s == StateScheduled || s == StateRunning
}

// Phase is the worker's position within a running job. It exists for
// progress reporting; the authoritative lifecycle state is State.
type Phase string

const (
	PhasePreparing  Phase = "preparing"
	PhaseExecuting  Phase = "executing"
	PhaseCollecting Phase = "collecting"
	PhaseCompleting Phase = "completing"
)

// Progress maps a state/phase pair onto [0, 1] for status events.
func Progress(s State, p Phase) float64 {
	if s.Terminal() {
		return 1.0
	}
	switch p {
	case PhasePreparing:
		return 0.1
	case PhaseExecuting:
		return 0.5
	case PhaseCollecting:
		return 0.8
	case PhaseCompleting:
		return 0.9
	}
	return 0.0
}

// Priority orders jobs across the queue's three tiers.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the numeric rank of a priority; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Valid reports whether p is one of the three known tiers.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// BackoffKind selects the retry delay strategy.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy controls whether and how failed attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first run.
	// Must be at least 1.
	MaxAttempts int `json:"max_attempts"`

	// Backoff selects the delay strategy between attempts.
	Backoff BackoffKind `json:"backoff"`

	// BaseDelay seeds the backoff computation.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay"`

	// Jitter multiplies the computed delay by a uniform random factor in
	// [0.5, 1.0] to spread retry storms.
	Jitter bool `json:"jitter"`

	// RetryOnExecutionError opts in to retrying jobs whose own command
	// exited non-zero. Infrastructure and timeout failures are retried
	// regardless.
	RetryOnExecutionError bool `json:"retry_on_execution_error"`
}

// DefaultRetryPolicy returns the policy applied when a spec omits one:
// three attempts, exponential backoff from 5s capped at 2m, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   5 * time.Second,
		MaxDelay:    2 * time.Minute,
		Jitter:      true,
	}
}

// ResourceLimits bounds a job's sandbox.
type ResourceLimits struct {
	// CPU is the core quota (0.5 = half a core). Zero means unlimited.
	CPU float64 `json:"cpu"`
	// MemoryBytes is the memory ceiling. Zero means unlimited.
	MemoryBytes int64 `json:"memory_bytes"`
	// DiskBytes bounds the writable work area. Zero means unlimited.
	DiskBytes int64 `json:"disk_bytes"`
	// Timeout is the wall-clock deadline for the executing phase.
	Timeout time.Duration `json:"timeout"`
}

// FileMapping stages one input file into the sandbox.
type FileMapping struct {
	// Source is the path in the staging store.
	Source string `json:"source"`
	// Destination is the path inside the sandbox input area, relative to
	// the input root.
	Destination string `json:"destination"`
	// Mode is the octal permission applied to the staged copy; zero
	// means 0644.
	Mode uint32 `json:"mode,omitempty"`
}

// OutputArtifact is one file collected from the sandbox after a
// successful run.
type OutputArtifact struct {
	ID       id.ArtifactID `json:"id"`
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Checksum string        `json:"checksum"`
	StagedAt time.Time     `json:"staged_at"`
}

// ResourceUsage is the peak usage snapshot sampled while executing.
type ResourceUsage struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes int64     `json:"memory_bytes"`
	NetworkRx   int64     `json:"network_rx"`
	NetworkTx   int64     `json:"network_tx"`
	SampledAt   time.Time `json:"sampled_at"`
}

// FailureClass categorizes why an attempt failed. It is persisted on the
// job record so terminal failures keep their classification.
type FailureClass string

const (
	// FailureTransientInfra covers runtime/store unreachability and other
	// infrastructure faults. Retryable by default.
	FailureTransientInfra FailureClass = "transient_infra"
	// FailureValidation covers malformed specs and missing inputs.
	// Never retried.
	FailureValidation FailureClass = "validation"
	// FailureExecution means the job's own command exited non-zero.
	// Retried only when the policy opts in.
	FailureExecution FailureClass = "sandbox_execution"
	// FailureTimeout means the execution deadline elapsed. Retryable by
	// default.
	FailureTimeout FailureClass = "timeout"
	// FailureSecurity means a sandbox isolation breach was detected.
	// Never retried; the worker is quarantined.
	FailureSecurity FailureClass = "security_violation"
)

// Failure records the classified outcome of the last failed attempt.
type Failure struct {
	Class    FailureClass `json:"class"`
	ExitCode int          `json:"exit_code"`
	Message  string       `json:"message"`
}

// Lease is a worker's time-bounded exclusive claim on a job. It is
// materialized from the job record's lease fields; it has no identity of
// its own and is never persisted past its validity window.
type Lease struct {
	JobID      id.JobID    `json:"job_id"`
	WorkerID   id.WorkerID `json:"worker_id"`
	AcquiredAt time.Time   `json:"acquired_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Valid reports whether the lease is still held at the given instant.
func (l Lease) Valid(now time.Time) bool {
	return !l.WorkerID.IsNil() && now.Before(l.ExpiresAt)
}

// Job represents a single-step, independent unit of containerized work.
type Job struct {
	ID   id.JobID `json:"id"`
	Name string   `json:"name"`

	// Immutable execution spec, fixed at submission.
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	InputFiles     []FileMapping     `json:"input_files,omitempty"`
	OutputPatterns []string          `json:"output_patterns,omitempty"`
	Resources      ResourceLimits    `json:"resources"`
	Priority       Priority          `json:"priority"`
	RetryPolicy    RetryPolicy       `json:"retry_policy"`

	// Mutable lifecycle bookkeeping.
	State           State       `json:"state"`
	Phase           Phase       `json:"phase,omitempty"`
	AttemptCount    int         `json:"attempt_count"`
	CancelRequested bool        `json:"cancel_requested"`
	Failure         *Failure    `json:"failure,omitempty"`
	WorkerID        id.WorkerID `json:"worker_id,omitempty"`

	// Lease fields. A job is claimed while LeaseExpiresAt is in the
	// future; expiry makes it leasable again.
	LeaseAcquiredAt time.Time `json:"lease_acquired_at,omitempty"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at,omitempty"`

	// NotBefore delays visibility: the job cannot be leased before this
	// instant (retry backoff re-enqueue).
	NotBefore time.Time `json:"not_before,omitempty"`

	Usage     ResourceUsage    `json:"usage"`
	Artifacts []OutputArtifact `json:"artifacts,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Lease returns the job's current lease claim. The zero Lease (nil
// worker) means unclaimed.
func (j *Job) Lease() Lease {
	return Lease{
		JobID:      j.ID,
		WorkerID:   j.WorkerID,
		AcquiredAt: j.LeaseAcquiredAt,
		ExpiresAt:  j.LeaseExpiresAt,
	}
}

// Leasable reports whether the job may be claimed at the given instant:
// it must be in a waiting state (queued or retrying), visible, not
// cancelled, and not already held under a valid lease.
func (j *Job) Leasable(now time.Time) bool {
	switch j.State {
	case StateQueued, StateRetrying:
		// Waiting states are leasable once visible.
	case StateScheduled, StateRunning:
		// Claimed states become leasable again only on lease expiry.
		if j.Lease().Valid(now) {
			return false
		}
	default:
		return false
	}
	if j.CancelRequested {
		return false
	}
	return !j.NotBefore.After(now)
}

// Terminal reports whether the job has reached a terminal state.
func (j *Job) Terminal() bool { return j.State.Terminal() }

// Clone returns a deep copy so callers can mutate without racing the
// store's copy.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Command != nil {
		cp.Command = append([]string(nil), j.Command...)
	}
	if j.OutputPatterns != nil {
		cp.OutputPatterns = append([]string(nil), j.OutputPatterns...)
	}
	if j.InputFiles != nil {
		cp.InputFiles = append([]FileMapping(nil), j.InputFiles...)
	}
	if j.Artifacts != nil {
		cp.Artifacts = append([]OutputArtifact(nil), j.Artifacts...)
	}
	if j.Env != nil {
		cp.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			cp.Env[k] = v
		}
	}
	if j.Failure != nil {
		f := *j.Failure
		cp.Failure = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
