// Package worker provides the job execution engine — a Runner that drives
// a leased job through its phases inside a sandbox, and a Pool that
// manages concurrent worker goroutines leasing from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/ext"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/logs"
	"github.com/codyaverett/container-codes/middleware"
	"github.com/codyaverett/container-codes/output"
	"github.com/codyaverett/container-codes/queue"
	"github.com/codyaverett/container-codes/retry"
	"github.com/codyaverett/container-codes/sandbox"
	"github.com/codyaverett/container-codes/staging"
)

// errCancelRequested aborts an attempt at a phase checkpoint.
var errCancelRequested = errors.New("worker: cancel requested")

// Runner executes one leased job at a time:
// preparing → executing → collecting → completing, then a terminal state
// or a retry re-enqueue. The cancellation flag is checked at each phase
// boundary, a heartbeat goroutine renews the lease, and sandbox removal
// runs on every exit path.
type Runner struct {
	store      job.Store
	queue      *queue.Queue
	runtime    sandbox.Runtime
	files      staging.FileStore
	collector  *output.Collector
	recorder   *logs.Recorder
	retries    *retry.Engine
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger

	security        sandbox.SecurityProfile
	maxInputSize    int64
	monitorInterval time.Duration
	renewInterval   time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMiddleware sets the middleware chain wrapped around each attempt.
func WithMiddleware(mws ...middleware.Middleware) RunnerOption {
	return func(r *Runner) { r.mw = middleware.Chain(mws...) }
}

// WithSecurityProfile overrides the sandbox isolation profile.
func WithSecurityProfile(p sandbox.SecurityProfile) RunnerOption {
	return func(r *Runner) { r.security = p }
}

// WithMaxInputSize sets the cumulative staged-input quota per job.
func WithMaxInputSize(n int64) RunnerOption {
	return func(r *Runner) { r.maxInputSize = n }
}

// WithMonitorInterval sets how often sandbox usage is sampled.
func WithMonitorInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.monitorInterval = d }
}

// WithRenewInterval sets how often the lease heartbeat fires.
func WithRenewInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.renewInterval = d }
}

// NewRunner creates a Runner with the given dependencies.
func NewRunner(
	store job.Store,
	q *queue.Queue,
	rt sandbox.Runtime,
	files staging.FileStore,
	collector *output.Collector,
	recorder *logs.Recorder,
	retries *retry.Engine,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...RunnerOption,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		store:           store,
		queue:           q,
		runtime:         rt,
		files:           files,
		collector:       collector,
		recorder:        recorder,
		retries:         retries,
		extensions:      extensions,
		mw:              middleware.Chain(),
		logger:          logger,
		security:        sandbox.DefaultSecurityProfile(),
		maxInputSize:    100 << 20,
		monitorInterval: 2 * time.Second,
		renewInterval:   20 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// attemptState carries flags set by the attempt's background goroutines.
type attemptState struct {
	// leaseLost means another worker may now hold the job. The runner
	// must not write to the job record after this is set.
	leaseLost atomic.Bool
}

// Run executes one attempt of a leased job and settles the outcome:
// terminal success, terminal failure, cancellation, or retry re-enqueue.
// It returns ErrWorkerQuarantined (wrapped) on a security violation.
func (r *Runner) Run(ctx context.Context, j *job.Job, workerID id.WorkerID) error {
	start := time.Now()
	st := &attemptState{}

	terminal := func(ctx context.Context) error {
		return r.attempt(ctx, j, workerID, st)
	}
	err := r.mw(ctx, j, terminal)

	if st.leaseLost.Load() || errors.Is(err, containercodes.ErrLeaseNotHeld) {
		// The lease expired mid-attempt or the job was re-granted to
		// another worker. Either way the record is no longer ours;
		// writing to it now could clobber the new holder's attempt.
		r.logger.Warn("lease lost mid-attempt, abandoning job",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", workerID.String()),
		)
		return nil
	}

	now := time.Now().UTC()
	switch {
	case errors.Is(err, errCancelRequested):
		return r.finalizeCancelled(ctx, j, workerID, now)
	case err == nil:
		return r.finalizeSucceeded(ctx, j, workerID, now, time.Since(start))
	default:
		var se *retry.SecurityError
		if errors.As(err, &se) {
			return r.handleViolation(ctx, j, workerID, err, now)
		}
		return r.handleFailure(ctx, j, workerID, err, now)
	}
}

// attempt drives a single execution inside the sandbox. Cleanup defers
// run in order: stop goroutine triggers, remove sandbox, wait for
// goroutines, clean the work area.
func (r *Runner) attempt(ctx context.Context, j *job.Job, workerID id.WorkerID, st *attemptState) error {
	if err := r.checkpoint(ctx, j); err != nil {
		return err
	}

	// Phase: preparing (set by the store at lease time).
	dirs, err := r.files.StageInputs(ctx, j, r.maxInputSize)
	if err != nil {
		return fmt.Errorf("stage inputs: %w", err)
	}
	defer func() {
		if cerr := r.files.CleanupWork(context.Background(), j.ID); cerr != nil {
			r.logger.Warn("work area cleanup failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", cerr.Error()),
			)
		}
	}()

	mon := &usageMonitor{}
	defer func() { j.Usage = mon.snapshot() }()

	var wg sync.WaitGroup
	defer wg.Wait()

	handle, err := r.runtime.Create(ctx, sandbox.Spec{
		JobID:     j.ID,
		Image:     j.Image,
		Command:   j.Command,
		Env:       j.Env,
		InputDir:  dirs.Input,
		WorkDir:   dirs.Work,
		Resources: j.Resources,
		Security:  r.security,
	})
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	defer r.removeSandbox(j.ID, handle)

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	finished := make(chan struct{})
	defer close(finished)

	wg.Add(3)
	go r.heartbeatLoop(j, workerID, handle, st, cancelAttempt, finished, &wg)
	go r.monitorLoop(attemptCtx, handle, mon, finished, &wg)
	go r.cancelWatchLoop(j.ID, handle, finished, &wg)

	if err := r.runtime.Start(ctx, handle); err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}

	// Capture output for the whole run. Removal of the sandbox ends the
	// stream if the attempt aborts early.
	wg.Add(1)
	go r.captureLogs(j.ID, handle, &wg)

	// Execution begins: the job leaves scheduled and becomes running.
	j.State = job.StateRunning
	if err := r.setPhase(ctx, j, job.PhaseExecuting); err != nil {
		return err
	}

	var deadline time.Time
	if j.Resources.Timeout > 0 {
		deadline = time.Now().Add(j.Resources.Timeout)
	}
	status, err := r.runtime.Wait(attemptCtx, handle, deadline)
	if err != nil {
		return fmt.Errorf("wait for sandbox: %w", err)
	}

	if err := r.checkpoint(ctx, j); err != nil {
		return err
	}

	switch {
	case status.Timeout:
		return &retry.TimeoutError{Limit: j.Resources.Timeout}
	case status.OOMKilled:
		return fmt.Errorf("out of memory: %w", &retry.ExitError{Code: status.Code})
	case status.Code != 0:
		return &retry.ExitError{Code: status.Code}
	}

	if err := r.setPhase(ctx, j, job.PhaseCollecting); err != nil {
		return err
	}
	artifacts, err := r.collector.Collect(ctx, j, dirs.Work)
	if err != nil {
		return fmt.Errorf("collect outputs: %w", err)
	}
	j.Artifacts = artifacts

	return r.setPhase(ctx, j, job.PhaseCompleting)
}

// checkpoint re-reads the cancellation flag between phases.
func (r *Runner) checkpoint(ctx context.Context, j *job.Job) error {
	cur, err := r.store.GetJob(ctx, j.ID)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if cur.CancelRequested {
		j.CancelRequested = true
		return errCancelRequested
	}
	return nil
}

// setPhase persists a phase transition and emits the lifecycle hook.
func (r *Runner) setPhase(ctx context.Context, j *job.Job, p job.Phase) error {
	j.Phase = p
	if err := r.store.UpdateJob(ctx, j); err != nil {
		return fmt.Errorf("update phase %s: %w", p, err)
	}
	r.extensions.EmitJobPhaseChanged(ctx, j, p)
	return nil
}

// heartbeatLoop renews the lease until the attempt finishes. A failed
// renewal means the job is already re-leasable, so the attempt is
// cancelled and the sandbox torn down.
func (r *Runner) heartbeatLoop(j *job.Job, workerID id.WorkerID, handle sandbox.Handle, st *attemptState, cancelAttempt context.CancelFunc, finished <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-finished:
			return
		case <-ticker.C:
		}

		err := r.queue.Renew(context.Background(), j.ID, workerID)
		if err == nil {
			continue
		}
		if errors.Is(err, containercodes.ErrLeaseNotHeld) || errors.Is(err, containercodes.ErrLeaseExpired) {
			st.leaseLost.Store(true)
			r.logger.Warn("lease renewal rejected, terminating attempt",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			if terr := r.runtime.Terminate(context.Background(), handle); terr != nil {
				r.logger.Warn("terminate after lost lease failed",
					slog.String("job_id", j.ID.String()),
					slog.String("error", terr.Error()),
				)
			}
			cancelAttempt()
			return
		}
		r.logger.Warn("lease renewal failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// monitorLoop samples sandbox resource usage, recording peaks.
func (r *Runner) monitorLoop(ctx context.Context, handle sandbox.Handle, mon *usageMonitor, finished <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-finished:
			return
		case <-ticker.C:
		}

		usage, err := r.runtime.Stats(ctx, handle)
		if err != nil {
			continue // sandbox may have just exited
		}
		mon.observe(usage)
	}
}

// cancelWatchLoop terminates the sandbox when cancellation is requested
// mid-execution, so the executing phase doesn't run out its full timeout
// before the next checkpoint notices the flag.
func (r *Runner) cancelWatchLoop(jobID id.JobID, handle sandbox.Handle, finished <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-finished:
			return
		case <-ticker.C:
		}

		cur, err := r.store.GetJob(context.Background(), jobID)
		if err != nil || !cur.CancelRequested {
			continue
		}
		if err := r.runtime.Terminate(context.Background(), handle); err != nil {
			r.logger.Warn("terminate for cancellation failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
}

// captureLogs copies the sandbox output stream into the staging store.
func (r *Runner) captureLogs(jobID id.JobID, handle sandbox.Handle, wg *sync.WaitGroup) {
	defer wg.Done()

	stream, err := r.runtime.Logs(context.Background(), handle, true)
	if err != nil {
		r.logger.Warn("attach log stream failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	defer stream.Close()

	if _, err := r.recorder.Record(context.Background(), jobID, stream); err != nil && err != io.EOF {
		r.logger.Debug("log capture ended",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// removeSandbox destroys the sandbox, logging rather than failing: it
// runs on every exit path and must never mask the attempt's outcome.
func (r *Runner) removeSandbox(jobID id.JobID, handle sandbox.Handle) {
	if err := r.runtime.Remove(context.Background(), handle); err != nil {
		r.logger.Error("sandbox removal failed",
			slog.String("job_id", jobID.String()),
			slog.String("handle", string(handle)),
			slog.String("error", err.Error()),
		)
	}
}

// ── Outcome settlement ──────────────────────────────

func (r *Runner) finalizeSucceeded(ctx context.Context, j *job.Job, workerID id.WorkerID, now time.Time, elapsed time.Duration) error {
	j.State = job.StateSucceeded
	j.Phase = ""
	j.CompletedAt = &now

	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("failed to persist success",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.releaseLease(ctx, j, workerID)

	r.extensions.EmitJobSucceeded(ctx, j, elapsed)

	r.logger.Info("job succeeded",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.AttemptCount),
		slog.Duration("elapsed", elapsed),
		slog.Int("artifacts", len(j.Artifacts)),
	)
	return nil
}

func (r *Runner) finalizeCancelled(ctx context.Context, j *job.Job, workerID id.WorkerID, now time.Time) error {
	j.State = job.StateCancelled
	j.Phase = ""
	j.CompletedAt = &now

	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("failed to persist cancellation",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.releaseLease(ctx, j, workerID)

	r.extensions.EmitJobCancelled(ctx, j)

	r.logger.Info("job cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
	)
	return nil
}

// handleFailure decides between a delayed re-enqueue and terminal failure.
func (r *Runner) handleFailure(ctx context.Context, j *job.Job, workerID id.WorkerID, attemptErr error, now time.Time) error {
	decision := r.retries.Decide(j, attemptErr)

	if decision.Retry {
		nextRunAt := now.Add(decision.Delay)
		if err := r.queue.ReEnqueue(ctx, j.ID, workerID, decision.Delay); err != nil {
			r.logger.Error("retry re-enqueue failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return err
		}

		r.extensions.EmitJobRetrying(ctx, j, j.AttemptCount, nextRunAt)

		r.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("attempt", j.AttemptCount),
			slog.Int("max_attempts", j.RetryPolicy.MaxAttempts),
			slog.Duration("delay", decision.Delay),
			slog.String("class", string(decision.Failure.Class)),
		)
		return fmt.Errorf("job %s attempt %d/%d: %w", j.Name, j.AttemptCount, j.RetryPolicy.MaxAttempts, attemptErr)
	}

	if err := r.finalizeFailed(ctx, j, workerID, decision.Failure, now, attemptErr); err != nil {
		return err
	}
	return attemptErr
}

// handleViolation records the security failure and quarantines the worker.
func (r *Runner) handleViolation(ctx context.Context, j *job.Job, workerID id.WorkerID, attemptErr error, now time.Time) error {
	failure := retry.Classify(attemptErr)

	r.extensions.EmitSecurityViolation(ctx, j, workerID, failure.Message)

	if err := r.finalizeFailed(ctx, j, workerID, failure, now, attemptErr); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", containercodes.ErrWorkerQuarantined, failure.Message)
}

func (r *Runner) finalizeFailed(ctx context.Context, j *job.Job, workerID id.WorkerID, failure job.Failure, now time.Time, attemptErr error) error {
	j.State = job.StateFailed
	j.Phase = ""
	j.Failure = &failure
	j.CompletedAt = &now

	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("failed to persist failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.releaseLease(ctx, j, workerID)

	r.extensions.EmitJobFailed(ctx, j, failure)

	r.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempt", j.AttemptCount),
		slog.String("class", string(failure.Class)),
		slog.String("error", attemptErr.Error()),
	)
	return nil
}

// releaseLease clears the lease fields on a settled job. The terminal
// record is already durable at this point, so a failure here only means
// the lease ages out on its own.
func (r *Runner) releaseLease(ctx context.Context, j *job.Job, workerID id.WorkerID) {
	if err := r.queue.Release(ctx, j.ID, workerID); err != nil {
		r.logger.Warn("lease release failed",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", workerID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// usageMonitor tracks peak resource usage across samples.
type usageMonitor struct {
	mu   sync.Mutex
	peak job.ResourceUsage
}

func (m *usageMonitor) observe(u job.ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CPUPercent > m.peak.CPUPercent {
		m.peak.CPUPercent = u.CPUPercent
	}
	if u.MemoryBytes > m.peak.MemoryBytes {
		m.peak.MemoryBytes = u.MemoryBytes
	}
	if u.NetworkRx > m.peak.NetworkRx {
		m.peak.NetworkRx = u.NetworkRx
	}
	if u.NetworkTx > m.peak.NetworkTx {
		m.peak.NetworkTx = u.NetworkTx
	}
	m.peak.SampledAt = u.SampledAt
}

func (m *usageMonitor) snapshot() job.ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}
