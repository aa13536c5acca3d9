package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/ext"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/queue"
	"github.com/codyaverett/container-codes/sandbox"
	"github.com/codyaverett/container-codes/scheduler"
	"github.com/codyaverett/container-codes/staging"
)

// Pool manages a set of concurrent worker goroutines that lease jobs from
// the queue and run them through the Runner. A reconciler goroutine sweeps
// orphaned sandboxes and expired staging data.
type Pool struct {
	queue      *queue.Queue
	store      job.Store
	sched      *scheduler.Scheduler
	runner     *Runner
	runtime    sandbox.Runtime
	files      staging.FileStore
	extensions *ext.Registry
	logger     *slog.Logger

	workers           int
	pollInterval      time.Duration
	reconcileInterval time.Duration
	retentionPeriod   time.Duration
	workerID          id.WorkerID

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	quarantined atomic.Bool
	activeJobs  map[string]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolWorkers sets the number of concurrent worker goroutines.
func WithPoolWorkers(n int) PoolOption {
	return func(p *Pool) { p.workers = n }
}

// WithPollInterval sets how often idle workers poll for leasable jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithReconcileInterval sets how often the reconciler sweeps for orphaned
// sandboxes and expired staging data. A zero value disables the sweep.
func WithReconcileInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reconcileInterval = d }
}

// WithRetentionPeriod sets how long terminal jobs' staged files are kept.
func WithRetentionPeriod(d time.Duration) PoolOption {
	return func(p *Pool) { p.retentionPeriod = d }
}

// NewPool creates a worker pool.
func NewPool(
	q *queue.Queue,
	store job.Store,
	sched *scheduler.Scheduler,
	runner *Runner,
	rt sandbox.Runtime,
	files staging.FileStore,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:             q,
		store:             store,
		sched:             sched,
		runner:            runner,
		runtime:           rt,
		files:             files,
		extensions:        extensions,
		logger:            logger,
		workers:           4,
		pollInterval:      time.Second,
		reconcileInterval: time.Minute,
		retentionPeriod:   24 * time.Hour,
		workerID:          id.NewWorkerID(),
		stopCh:            make(chan struct{}),
		activeJobs:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Quarantined reports whether the pool has stopped dispatching after a
// security violation.
func (p *Pool) Quarantined() bool { return p.quarantined.Load() }

// ClearQuarantine resumes dispatch after an external health check.
func (p *Pool) ClearQuarantine() {
	if p.quarantined.CompareAndSwap(true, false) {
		p.logger.Info("worker quarantine cleared",
			slog.String("worker_id", p.workerID.String()),
		)
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("workers", p.workers),
	)

	for range p.workers {
		p.wg.Add(1)
		go p.leaseLoop()
	}

	if p.reconcileInterval > 0 {
		p.wg.Add(1)
		go p.reconcileLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// leaseLoop is run by each worker goroutine.
func (p *Pool) leaseLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.quarantined.Load() {
			p.sleep()
			continue
		}

		j := p.leaseNext()
		if j == nil {
			// Nothing leasable. Wait for an enqueue signal or the poll
			// interval, whichever comes first.
			select {
			case <-p.stopCh:
				return
			case <-p.queue.Wake():
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.extensions.EmitJobLeased(context.Background(), j, p.workerID)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)

		runErr := p.runner.Run(ctx, j, p.workerID)

		p.untrackJob(j.ID.String())
		cancel()
		p.sched.Release()

		if runErr == nil {
			continue
		}
		if errors.Is(runErr, containercodes.ErrWorkerQuarantined) {
			p.quarantined.Store(true)
			p.logger.Error("worker quarantined, dispatch halted",
				slog.String("worker_id", p.workerID.String()),
				slog.String("job_id", j.ID.String()),
				slog.String("error", runErr.Error()),
			)
			continue
		}
		p.logger.Debug("job attempt failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("error", runErr.Error()),
		)
	}
}

// leaseNext walks the scheduler's weighted tier order and leases a job from
// the first tier that has both capacity and work. The scheduler slot is
// acquired before the store is touched, so a job is never claimed unless it
// can run immediately. On success the caller holds the slot and must
// Release it after the run settles.
func (p *Pool) leaseNext() *job.Job {
	for _, tier := range p.sched.NextTiers() {
		if !p.sched.Acquire(tier) {
			continue
		}
		j, err := p.queue.Lease(context.Background(), p.workerID, []job.Priority{tier})
		if err != nil {
			p.sched.Release()
			p.logger.Error("lease error",
				slog.String("tier", string(tier)),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if j == nil {
			p.sched.Release()
			continue
		}
		return j
	}
	return nil
}

// reconcileLoop periodically removes orphaned sandboxes and sweeps
// expired staging data.
func (p *Pool) reconcileLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reconcileSandboxes()
			p.sweepStaging()
		}
	}
}

// reconcileSandboxes removes sandboxes whose job no longer holds a valid
// lease. These are leftovers from crashed workers; the jobs themselves
// become leasable again through lease expiry.
func (p *Pool) reconcileSandboxes() {
	ctx := context.Background()

	instances, err := p.runtime.List(ctx)
	if err != nil {
		p.logger.Error("reconcile: list sandboxes", slog.String("error", err.Error()))
		return
	}
	if len(instances) == 0 {
		return
	}

	leases, err := p.store.ListActiveLeases(ctx)
	if err != nil {
		p.logger.Error("reconcile: list leases", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	held := make(map[string]bool, len(leases))
	for _, l := range leases {
		if l.Valid(now) {
			held[l.JobID.String()] = true
		}
	}

	for _, inst := range instances {
		if held[inst.JobID] {
			continue
		}
		if err := p.runtime.Remove(ctx, inst.Handle); err != nil {
			p.logger.Error("reconcile: remove orphaned sandbox",
				slog.String("handle", string(inst.Handle)),
				slog.String("job_id", inst.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.Info("removed orphaned sandbox",
			slog.String("handle", string(inst.Handle)),
			slog.String("job_id", inst.JobID),
		)
	}
}

// sweepStaging removes staged data for terminal jobs past retention.
func (p *Pool) sweepStaging() {
	if p.retentionPeriod <= 0 {
		return
	}
	removed, err := p.files.Sweep(context.Background(), p.retentionPeriod)
	if err != nil {
		p.logger.Error("staging sweep failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		p.logger.Info("staging sweep removed expired jobs", slog.Int("count", removed))
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
