package containercodes

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("containercodes: no store configured")
	ErrStoreClosed = errors.New("containercodes: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("containercodes: job not found")
	ErrArtifactNotFound = errors.New("containercodes: output artifact not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("containercodes: job already exists")

	// State errors.
	ErrJobTerminal       = errors.New("containercodes: job is in a terminal state")
	ErrJobNotFailed      = errors.New("containercodes: job is not in failed state")
	ErrNotRetryable      = errors.New("containercodes: retry not permitted by policy")
	ErrAttemptsExhausted = errors.New("containercodes: retry attempts exhausted")

	// Lease errors.
	ErrLeaseNotHeld = errors.New("containercodes: lease not held by this worker")
	ErrLeaseExpired = errors.New("containercodes: lease expired")

	// Capacity and quota errors.
	ErrNoCapacity    = errors.New("containercodes: queue capacity exhausted")
	ErrQuotaExceeded = errors.New("containercodes: output size quota exceeded")

	// Validation errors. Specific field failures wrap this sentinel.
	ErrValidation = errors.New("containercodes: invalid job spec")

	// Security errors.
	ErrWorkerQuarantined = errors.New("containercodes: worker quarantined after security violation")
)
