// Package retry classifies failed job attempts and decides whether and
// when a job runs again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/backoff"
	"github.com/codyaverett/container-codes/job"
)

// ExitError reports a sandbox process that exited with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// TimeoutError reports a sandbox process killed for exceeding the job's
// execution timeout.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded timeout of %v", e.Limit)
}

// SecurityError reports a violation of the sandbox security profile.
// Jobs failing this way are never retried.
type SecurityError struct {
	Reason string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security violation: %s", e.Reason)
}

// Classify maps an attempt error to a failure record. Validation errors
// and security violations are permanent; non-zero exits and timeouts
// carry their detail; everything else is treated as transient
// infrastructure trouble.
func Classify(err error) job.Failure {
	var (
		exitErr *ExitError
		toErr   *TimeoutError
		secErr  *SecurityError
	)
	switch {
	case errors.As(err, &secErr):
		return job.Failure{Class: job.FailureSecurity, Message: err.Error()}
	case errors.Is(err, containercodes.ErrValidation):
		return job.Failure{Class: job.FailureValidation, Message: err.Error()}
	case errors.As(err, &toErr), errors.Is(err, context.DeadlineExceeded):
		return job.Failure{Class: job.FailureTimeout, Message: err.Error()}
	case errors.As(err, &exitErr):
		return job.Failure{Class: job.FailureExecution, ExitCode: exitErr.Code, Message: err.Error()}
	case errors.Is(err, containercodes.ErrQuotaExceeded):
		// Oversized output is the job's doing, same as a bad exit.
		return job.Failure{Class: job.FailureExecution, Message: err.Error()}
	default:
		return job.Failure{Class: job.FailureTransientInfra, Message: err.Error()}
	}
}

// Retryable reports whether a failure class may be retried under the
// given policy. Transient infrastructure errors and timeouts always
// are; execution errors only when the policy opts in; validation and
// security failures never.
func Retryable(class job.FailureClass, policy job.RetryPolicy) bool {
	switch class {
	case job.FailureTransientInfra, job.FailureTimeout:
		return true
	case job.FailureExecution:
		return policy.RetryOnExecutionError
	default:
		return false
	}
}

// Decision is the engine's verdict on a failed attempt.
type Decision struct {
	// Retry is true when the job should be re-enqueued.
	Retry bool
	// Delay is how long the job stays invisible before its next attempt.
	// Meaningful only when Retry is true.
	Delay time.Duration
	// Failure is the classified failure to record on the job.
	Failure job.Failure
}

// Engine turns attempt errors into retry decisions.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a retry engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With(slog.String("component", "retry"))}
}

// Decide classifies err and determines whether job j runs again. The
// job's AttemptCount must already reflect the attempt that failed.
func (e *Engine) Decide(j *job.Job, err error) Decision {
	failure := Classify(err)

	if !Retryable(failure.Class, j.RetryPolicy) {
		e.logger.Info("failure is not retryable",
			slog.String("job_id", j.ID.String()),
			slog.String("class", string(failure.Class)),
		)
		return Decision{Failure: failure}
	}

	if j.AttemptCount >= j.RetryPolicy.MaxAttempts {
		e.logger.Info("attempts exhausted",
			slog.String("job_id", j.ID.String()),
			slog.Int("attempts", j.AttemptCount),
			slog.Int("max_attempts", j.RetryPolicy.MaxAttempts),
		)
		return Decision{Failure: failure}
	}

	delay := backoff.FromPolicy(j.RetryPolicy).Delay(j.AttemptCount)
	e.logger.Info("scheduling retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.AttemptCount),
		slog.Duration("delay", delay),
		slog.String("class", string(failure.Class)),
	)
	return Decision{Retry: true, Delay: delay, Failure: failure}
}
