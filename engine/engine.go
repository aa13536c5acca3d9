package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/event"
	"github.com/codyaverett/container-codes/ext"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/logs"
	mw "github.com/codyaverett/container-codes/middleware"
	"github.com/codyaverett/container-codes/observability"
	"github.com/codyaverett/container-codes/output"
	"github.com/codyaverett/container-codes/queue"
	"github.com/codyaverett/container-codes/retry"
	"github.com/codyaverett/container-codes/sandbox"
	"github.com/codyaverett/container-codes/scheduler"
	"github.com/codyaverett/container-codes/staging"
	"github.com/codyaverett/container-codes/worker"
)

// Engine wraps a System with the wired subsystems and exposes the job
// lifecycle operations. Use Build to create one.
type Engine struct {
	sys        *containercodes.System
	store      job.Store
	queue      *queue.Queue
	sched      *scheduler.Scheduler
	pool       *worker.Pool
	files      staging.FileStore
	recorder   *logs.Recorder
	extensions *ext.Registry
	broker     *event.Broker
	logger     *slog.Logger

	mws        []mw.Middleware
	security   *sandbox.SecurityProfile
	tierLimits []scheduler.TierLimit

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware appends middleware to the attempt chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithSecurityProfile overrides the default sandbox isolation profile.
func WithSecurityProfile(p sandbox.SecurityProfile) Option {
	return func(eng *Engine) {
		eng.security = &p
	}
}

// WithTierLimits registers per-tier dispatch rate limits on the
// scheduler. Tiers not listed are unlimited.
func WithTierLimits(limits ...scheduler.TierLimit) Option {
	return func(eng *Engine) {
		eng.tierLimits = append(eng.tierLimits, limits...)
	}
}

// WithFileStore replaces the local staging store built from the
// configuration. Used by tests and embedders with their own layout.
func WithFileStore(fs staging.FileStore) Option {
	return func(eng *Engine) {
		eng.files = fs
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both
// the metrics middleware and the observability extension use this
// provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from a System and a sandbox runtime. The
// System's store must implement job.Store.
func Build(sys *containercodes.System, rt sandbox.Runtime, opts ...Option) (*Engine, error) {
	logger := sys.Logger()
	cfg := sys.Config()

	store := sys.Store()
	if store == nil {
		return nil, containercodes.ErrNoStore
	}
	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("containercodes: store does not implement job.Store")
	}

	eng := &Engine{
		sys:        sys,
		store:      js,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.files == nil {
		fs, err := staging.NewLocal(cfg.StagingDir, cfg.WorkDir, logger)
		if err != nil {
			return nil, fmt.Errorf("create staging store: %w", err)
		}
		eng.files = fs
	}

	eng.queue = queue.New(js, cfg.MaxQueueDepth, cfg.VisibilityTimeout, logger)
	eng.sched = scheduler.New(cfg.MaxConcurrentJobs, scheduler.Weights{
		High:   cfg.Weights.High,
		Normal: cfg.Weights.Normal,
		Low:    cfg.Weights.Low,
	}, eng.tierLimits...)
	eng.recorder = logs.NewRecorder(eng.files, logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/codyaverett/container-codes")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/codyaverett/container-codes")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/codyaverett/container-codes/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Register the event broker so status changes fan out to subscribers.
	eng.broker = event.NewBroker(logger)
	eng.extensions.Register(eng.broker)

	// Default middleware stack: recover, then tracing, metrics, logging,
	// timeout. Caller middleware runs innermost.
	allMws := append([]mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger, cfg.AttemptTimeout),
	}, eng.mws...)

	runnerOpts := []worker.RunnerOption{
		worker.WithMiddleware(allMws...),
		worker.WithMaxInputSize(cfg.MaxInputSize),
		worker.WithMonitorInterval(cfg.MonitorInterval),
		worker.WithRenewInterval(cfg.RenewInterval()),
	}
	if eng.security != nil {
		runnerOpts = append(runnerOpts, worker.WithSecurityProfile(*eng.security))
	}
	collector := output.NewCollector(eng.files, cfg.MaxOutputSize, logger)
	runner := worker.NewRunner(
		js, eng.queue, rt, eng.files, collector, eng.recorder,
		retry.NewEngine(logger), eng.extensions, logger,
		runnerOpts...,
	)

	eng.pool = worker.NewPool(
		eng.queue, js, eng.sched, runner, rt, eng.files, eng.extensions, logger,
		worker.WithPoolWorkers(cfg.Workers),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithReconcileInterval(cfg.ReconcileInterval),
		worker.WithRetentionPeriod(cfg.RetentionPeriod),
	)

	// Wire back into the System.
	sys.SetPool(eng.pool)
	sys.SetExtensions(eng.extensions)

	return eng, nil
}

// Start begins job processing.
func (eng *Engine) Start(ctx context.Context) error { return eng.sys.Start(ctx) }

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error { return eng.sys.Stop(ctx) }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Events returns the event broker for subscribing to status streams.
func (eng *Engine) Events() *event.Broker { return eng.broker }

// Queue returns the job queue.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Files returns the staging store, for uploading input files before
// submission.
func (eng *Engine) Files() staging.FileStore { return eng.files }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// ── Operations ──────────────────────────────────────

// Receipt is returned by Submit.
type Receipt struct {
	JobID     id.JobID  `json:"job_id"`
	State     job.State `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	// EstimatedStart is a best-effort guess based on the current queue
	// depth and pool size. It is advisory only.
	EstimatedStart time.Time `json:"estimated_start"`
}

// Submit validates the spec, admits the job into the queue, and returns
// a receipt. Malformed specs fail with an error wrapping ErrValidation
// before anything is persisted; a full queue fails with ErrNoCapacity.
func (eng *Engine) Submit(ctx context.Context, spec job.Spec) (Receipt, error) {
	j, err := job.NewJob(spec)
	if err != nil {
		return Receipt{}, err
	}
	if err := eng.queue.Enqueue(ctx, j); err != nil {
		return Receipt{}, err
	}
	eng.extensions.EmitJobEnqueued(ctx, j)
	return Receipt{
		JobID:          j.ID,
		State:          j.State,
		CreatedAt:      j.CreatedAt,
		EstimatedStart: eng.estimateStart(ctx, j.CreatedAt),
	}, nil
}

// estimateStart projects when a job submitted now would begin, assuming
// every waiting job ahead of it occupies one pool slot for at least one
// poll interval. Rough, but monotone in queue depth.
func (eng *Engine) estimateStart(ctx context.Context, from time.Time) time.Time {
	cfg := eng.sys.Config()
	depth, err := eng.queue.Depth(ctx)
	if err != nil {
		return from
	}
	rounds := depth / cfg.Workers
	return from.Add(time.Duration(rounds) * cfg.PollInterval)
}

// Status is the point-in-time view of one job returned by GetStatus.
type Status struct {
	JobID        id.JobID             `json:"job_id"`
	Name         string               `json:"name"`
	State        job.State            `json:"state"`
	Phase        job.Phase            `json:"phase,omitempty"`
	Progress     float64              `json:"progress"`
	AttemptCount int                  `json:"attempt_count"`
	Failure      *job.Failure         `json:"failure,omitempty"`
	Usage        job.ResourceUsage    `json:"usage"`
	Artifacts    []job.OutputArtifact `json:"artifacts,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

// GetStatus returns the job's current state, phase, progress, resource
// usage, and collected artifacts. Unknown IDs fail with ErrJobNotFound.
func (eng *Engine) GetStatus(ctx context.Context, jobID id.JobID) (Status, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		JobID:        j.ID,
		Name:         j.Name,
		State:        j.State,
		Phase:        j.Phase,
		Progress:     job.Progress(j.State, j.Phase),
		AttemptCount: j.AttemptCount,
		Failure:      j.Failure,
		Usage:        j.Usage,
		Artifacts:    j.Artifacts,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}, nil
}

// Cancel requests cancellation of a job. Waiting jobs transition to
// cancelled immediately; running jobs are flagged and terminated at the
// worker's next checkpoint. Terminal jobs fail with ErrJobTerminal.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	j, err := eng.store.RequestCancel(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State == job.StateCancelled {
		// Never leased; no worker will emit the terminal event.
		eng.extensions.EmitJobCancelled(ctx, j)
	}
	return nil
}

// Retry re-queues a failed job for another run. Attempt bookkeeping is
// reset unless the configuration keeps it. Jobs in any other state fail
// with ErrJobNotFailed.
func (eng *Engine) Retry(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := eng.store.ResetForRetry(ctx, jobID, eng.sys.Config().RetryKeepsAttempts)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitJobEnqueued(ctx, j)
	eng.logger.Info("job re-queued by operator",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt_count", j.AttemptCount),
	)
	return j, nil
}

// ListOutputs returns the job's collected artifacts in collection order.
func (eng *Engine) ListOutputs(ctx context.Context, jobID id.JobID) ([]job.OutputArtifact, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return j.Artifacts, nil
}

// FetchOutput streams one collected artifact, looked up by its path
// relative to the work directory. Unknown paths fail with
// ErrArtifactNotFound.
func (eng *Engine) FetchOutput(ctx context.Context, jobID id.JobID, path string) (io.ReadCloser, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, a := range j.Artifacts {
		if a.Path == path {
			return eng.files.OpenArtifact(ctx, jobID, a.ID)
		}
	}
	return nil, fmt.Errorf("%w: %q", containercodes.ErrArtifactNotFound, path)
}

// StreamLogs returns a reader over the job's captured log. With follow
// false it ends at the current end of log. With follow true it replays
// everything captured so far, then delivers live output, ending once the
// job reaches a terminal state and the log is drained.
func (eng *Engine) StreamLogs(ctx context.Context, jobID id.JobID, follow bool) (io.ReadCloser, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !follow || j.Terminal() {
		return eng.recorder.Stream(ctx, jobID, false)
	}
	return eng.recorder.StreamWhile(ctx, jobID, func() bool {
		cur, err := eng.store.GetJob(ctx, jobID)
		if err != nil {
			return false
		}
		return !cur.Terminal()
	})
}

// ListJobs returns jobs in the given states, newest first, bounded by
// limit. An empty states slice means all states.
func (eng *Engine) ListJobs(ctx context.Context, states []job.State, limit int) ([]*job.Job, error) {
	if len(states) == 0 {
		states = []job.State{
			job.StateQueued, job.StateScheduled, job.StateRunning,
			job.StateRetrying, job.StateSucceeded, job.StateFailed,
			job.StateCancelled,
		}
	}
	return eng.store.ListJobsByState(ctx, states, limit)
}
