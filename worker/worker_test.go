package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
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
	"github.com/codyaverett/container-codes/scheduler"
	"github.com/codyaverett/container-codes/staging"
	"github.com/codyaverett/container-codes/store/memory"
	"github.com/codyaverett/container-codes/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRuntime implements sandbox.Runtime without a container engine.
// onStart lets tests drop files into the work dir the way a real job
// would produce output.
type fakeRuntime struct {
	mu         sync.Mutex
	exit       sandbox.ExitStatus
	waitDelay  time.Duration
	createErr  error
	logOutput  string
	onStart    func(spec sandbox.Spec)
	instances  []sandbox.Instance
	seq        int
	specs      map[sandbox.Handle]sandbox.Spec
	created    int
	started    int
	removed    int
	terminated map[sandbox.Handle]chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		specs:      make(map[sandbox.Handle]sandbox.Spec),
		terminated: make(map[sandbox.Handle]chan struct{}),
		logOutput:  "hello from sandbox\n",
	}
}

func (f *fakeRuntime) Create(_ context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	f.created++
	h := sandbox.Handle(fmt.Sprintf("sbx-%d", f.seq))
	f.specs[h] = spec
	f.terminated[h] = make(chan struct{})
	return h, nil
}

func (f *fakeRuntime) Start(_ context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	f.started++
	spec := f.specs[h]
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		onStart(spec)
	}
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, h sandbox.Handle, deadline time.Time) (sandbox.ExitStatus, error) {
	f.mu.Lock()
	delay := f.waitDelay
	exit := f.exit
	term := f.terminated[h]
	f.mu.Unlock()

	var timer <-chan time.Time
	if delay > 0 {
		timer = time.After(delay)
	} else {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		timer = ch
	}

	var expiry <-chan time.Time
	if !deadline.IsZero() {
		expiry = time.After(time.Until(deadline))
	}

	select {
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	case <-term:
		return sandbox.ExitStatus{Code: 137}, nil
	case <-expiry:
		return sandbox.ExitStatus{Timeout: true}, nil
	case <-timer:
		return exit, nil
	}
}

func (f *fakeRuntime) Terminate(_ context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.terminated[h]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	return nil
}

func (f *fakeRuntime) Stats(_ context.Context, _ sandbox.Handle) (job.ResourceUsage, error) {
	return job.ResourceUsage{CPUPercent: 12.5, MemoryBytes: 1 << 20, SampledAt: time.Now()}, nil
}

func (f *fakeRuntime) Logs(_ context.Context, _ sandbox.Handle, _ bool) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(strings.NewReader(f.logOutput)), nil
}

func (f *fakeRuntime) Remove(_ context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	delete(f.specs, h)
	return nil
}

func (f *fakeRuntime) List(_ context.Context) ([]sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances, nil
}

func (f *fakeRuntime) counts() (created, started, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.started, f.removed
}

// harness wires a runner against the in-memory store and local staging.
type harness struct {
	store    *memory.Store
	queue    *queue.Queue
	runtime  *fakeRuntime
	files    staging.FileStore
	recorder *logs.Recorder
	runner   *worker.Runner
	ext      *ext.Registry
}

func newHarness(t *testing.T, rt *fakeRuntime, opts ...worker.RunnerOption) *harness {
	t.Helper()
	logger := testLogger()

	s := memory.New()
	q := queue.New(s, 100, time.Minute, logger)

	files, err := staging.NewLocal(t.TempDir(), t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	recorder := logs.NewRecorder(files, logger)
	collector := output.NewCollector(files, 10<<20, logger)
	registry := ext.NewRegistry(logger)

	base := []worker.RunnerOption{
		worker.WithMonitorInterval(10 * time.Millisecond),
		worker.WithRenewInterval(10 * time.Second),
	}
	runner := worker.NewRunner(
		s, q, rt, files, collector, recorder,
		retry.NewEngine(logger), registry, logger,
		append(base, opts...)...,
	)
	return &harness{store: s, queue: q, runtime: rt, files: files, recorder: recorder, runner: runner, ext: registry}
}

func (h *harness) submit(t *testing.T, spec job.Spec) *job.Job {
	t.Helper()
	j, err := job.NewJob(spec)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := h.queue.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return j
}

func (h *harness) lease(t *testing.T, workerID id.WorkerID) *job.Job {
	t.Helper()
	j, err := h.queue.Lease(context.Background(), workerID, []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	return j
}

func baseSpec() job.Spec {
	return job.Spec{
		Name:    "render-frames",
		Image:   "alpine:3.19",
		Command: []string{"sh", "-c", "true"},
	}
}

func TestRunner_Success(t *testing.T) {
	rt := newFakeRuntime()
	rt.onStart = func(spec sandbox.Spec) {
		if err := os.WriteFile(filepath.Join(spec.WorkDir, "result.json"), []byte(`{"ok":true}`), 0o644); err != nil {
			t.Errorf("write output: %v", err)
		}
	}
	h := newHarness(t, rt)

	spec := baseSpec()
	spec.OutputPatterns = []string{"result.json"}
	submitted := h.submit(t, spec)

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)
	if j == nil || j.ID != submitted.ID {
		t.Fatal("expected to lease the submitted job")
	}
	if j.State != job.StateScheduled {
		t.Fatalf("leased State = %q, want scheduled until execution begins", j.State)
	}

	if err := h.runner.Run(context.Background(), j, workerID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateSucceeded {
		t.Errorf("State = %q, want succeeded", got.State)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	// The terminal record carries no lease remnants.
	if !got.WorkerID.IsNil() || !got.LeaseExpiresAt.IsZero() {
		t.Errorf("lease not released: worker=%s expires=%v", got.WorkerID, got.LeaseExpiresAt)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Path != "result.json" {
		t.Errorf("Artifacts = %+v, want one result.json", got.Artifacts)
	}

	created, started, removed := rt.counts()
	if created != 1 || started != 1 || removed != 1 {
		t.Errorf("runtime counts = %d/%d/%d, want 1/1/1", created, started, removed)
	}

	// Output stream was captured into the job log.
	rc, err := h.recorder.Stream(context.Background(), j.ID, false)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello from sandbox\n" {
		t.Errorf("captured log = %q", data)
	}
}

func TestRunner_ExitFailureExhaustsAttempts(t *testing.T) {
	rt := newFakeRuntime()
	rt.exit = sandbox.ExitStatus{Code: 1}
	h := newHarness(t, rt)

	spec := baseSpec()
	spec.RetryPolicy = &job.RetryPolicy{
		MaxAttempts:           3,
		Backoff:               job.BackoffFixed,
		BaseDelay:             time.Millisecond,
		RetryOnExecutionError: true,
	}
	h.submit(t, spec)

	workerID := id.NewWorkerID()
	var final *job.Job
	for attempt := 1; attempt <= 3; attempt++ {
		var j *job.Job
		deadline := time.Now().Add(2 * time.Second)
		for j == nil {
			if time.Now().After(deadline) {
				t.Fatalf("attempt %d never became leasable", attempt)
			}
			j = h.lease(t, workerID)
			if j == nil {
				time.Sleep(2 * time.Millisecond)
			}
		}
		if j.AttemptCount != attempt {
			t.Fatalf("AttemptCount = %d, want %d", j.AttemptCount, attempt)
		}
		_ = h.runner.Run(context.Background(), j, workerID)
		final = j
	}

	got, err := h.store.GetJob(context.Background(), final.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Class != job.FailureExecution {
		t.Errorf("Failure = %+v, want sandbox_execution", got.Failure)
	}
	if got.Failure.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", got.Failure.ExitCode)
	}
	if got.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", got.AttemptCount)
	}

	_, _, removed := rt.counts()
	if removed != 3 {
		t.Errorf("removed = %d, want one removal per attempt", removed)
	}
}

func TestRunner_ExecutionFailureNotRetriedByDefault(t *testing.T) {
	rt := newFakeRuntime()
	rt.exit = sandbox.ExitStatus{Code: 2}
	h := newHarness(t, rt)

	// Default policy does not opt in to execution-error retries.
	h.submit(t, baseSpec())

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)
	_ = h.runner.Run(context.Background(), j, workerID)

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("State = %q, want failed after one attempt", got.State)
	}
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
}

func TestRunner_TimeoutClassified(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitDelay = time.Second
	h := newHarness(t, rt)

	spec := baseSpec()
	spec.Resources.Timeout = 20 * time.Millisecond
	spec.RetryPolicy = &job.RetryPolicy{MaxAttempts: 1, Backoff: job.BackoffFixed, BaseDelay: time.Millisecond}
	h.submit(t, spec)

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)
	_ = h.runner.Run(context.Background(), j, workerID)

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Class != job.FailureTimeout {
		t.Errorf("Failure = %+v, want timeout class", got.Failure)
	}
}

func TestRunner_TimeoutRetriesByDefault(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitDelay = time.Second
	h := newHarness(t, rt)

	spec := baseSpec()
	spec.Resources.Timeout = 20 * time.Millisecond
	spec.RetryPolicy = &job.RetryPolicy{MaxAttempts: 2, Backoff: job.BackoffFixed, BaseDelay: time.Millisecond}
	h.submit(t, spec)

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)
	_ = h.runner.Run(context.Background(), j, workerID)

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateRetrying {
		t.Fatalf("State = %q, want retrying after first timeout", got.State)
	}
}

func TestRunner_CancelRequestedBeforeRun(t *testing.T) {
	rt := newFakeRuntime()
	h := newHarness(t, rt)

	h.submit(t, baseSpec())

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)

	// Cancellation lands after the lease but before the runner starts.
	if _, err := h.store.RequestCancel(context.Background(), j.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	if err := h.runner.Run(context.Background(), j, workerID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateCancelled {
		t.Fatalf("State = %q, want cancelled", got.State)
	}

	created, _, _ := rt.counts()
	if created != 0 {
		t.Errorf("sandbox created for a cancelled job (created=%d)", created)
	}
}

func TestRunner_MissingInputIsValidationFailure(t *testing.T) {
	rt := newFakeRuntime()
	h := newHarness(t, rt)

	spec := baseSpec()
	spec.InputFiles = []job.FileMapping{{Source: "no-such-input", Destination: "data.bin"}}
	h.submit(t, spec)

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)
	_ = h.runner.Run(context.Background(), j, workerID)

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Class != job.FailureValidation {
		t.Errorf("Failure = %+v, want validation class", got.Failure)
	}
}

func TestRunner_QuotaExceededFailsExecutionClass(t *testing.T) {
	rt := newFakeRuntime()
	rt.onStart = func(spec sandbox.Spec) {
		big := make([]byte, 4096)
		if err := os.WriteFile(filepath.Join(spec.WorkDir, "result.json"), big, 0o644); err != nil {
			t.Errorf("write output: %v", err)
		}
	}
	h := newHarness(t, rt)

	spec := baseSpec()
	spec.OutputPatterns = []string{"result.json"}
	h.submit(t, spec)

	// Same wiring as the harness, but with a quota below the produced file.
	logger := testLogger()
	collector := output.NewCollector(h.files, 16, logger)
	runner := worker.NewRunner(
		h.store, h.queue, rt, h.files, collector,
		h.recorder, retry.NewEngine(logger), h.ext, logger,
	)

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)
	_ = runner.Run(context.Background(), j, workerID)

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Class != job.FailureExecution {
		t.Errorf("Failure = %+v, want sandbox_execution for quota breach", got.Failure)
	}
}

func TestRunner_SecurityViolationQuarantines(t *testing.T) {
	rt := newFakeRuntime()
	violate := func(ctx context.Context, _ *job.Job, _ middleware.Handler) error {
		return &retry.SecurityError{Reason: "wrote outside work dir"}
	}
	h := newHarness(t, rt, worker.WithMiddleware(violate))

	h.submit(t, baseSpec())

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)

	err := h.runner.Run(context.Background(), j, workerID)
	if !errors.Is(err, containercodes.ErrWorkerQuarantined) {
		t.Fatalf("expected ErrWorkerQuarantined, got %v", err)
	}

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("State = %q, want failed", got.State)
	}
	if got.Failure == nil || got.Failure.Class != job.FailureSecurity {
		t.Errorf("Failure = %+v, want security class", got.Failure)
	}
}

func TestRunner_RecordsUsagePeaks(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitDelay = 80 * time.Millisecond
	h := newHarness(t, rt)

	h.submit(t, baseSpec())

	workerID := id.NewWorkerID()
	j := h.lease(t, workerID)
	if err := h.runner.Run(context.Background(), j, workerID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := h.store.GetJob(context.Background(), j.ID)
	if got.Usage.MemoryBytes != 1<<20 {
		t.Errorf("Usage.MemoryBytes = %d, want sampled peak", got.Usage.MemoryBytes)
	}
}

// ── Pool tests ──────────────────────────────────────

func newTestPool(t *testing.T, h *harness, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	sched := scheduler.New(4, scheduler.DefaultWeights())
	base := []worker.PoolOption{
		worker.WithPoolWorkers(2),
		worker.WithPollInterval(10 * time.Millisecond),
		worker.WithReconcileInterval(0),
	}
	return worker.NewPool(
		h.queue, h.store, sched, h.runner, h.runtime, h.files, h.ext, testLogger(),
		append(base, opts...)...,
	)
}

func TestPool_StartStop(t *testing.T) {
	h := newHarness(t, newFakeRuntime())
	pool := newTestPool(t, h)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Double start is a no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("double start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("double stop: %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	rt := newFakeRuntime()
	h := newHarness(t, rt)
	pool := newTestPool(t, h)

	j := h.submit(t, baseSpec())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		got, err := h.store.GetJob(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State == job.StateSucceeded {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job never succeeded, state=%q", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_HonorsTierOrder(t *testing.T) {
	rt := newFakeRuntime()
	rt.waitDelay = 200 * time.Millisecond
	h := newHarness(t, rt)

	// A low-only cycle with one run slot: the low job must be dispatched
	// even though a higher-ranked job is waiting in the store.
	sched := scheduler.New(1, scheduler.Weights{Low: 1})
	pool := worker.NewPool(
		h.queue, h.store, sched, h.runner, h.runtime, h.files, h.ext, testLogger(),
		worker.WithPoolWorkers(1),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithReconcileInterval(0),
	)

	highSpec := baseSpec()
	highSpec.Priority = job.PriorityHigh
	high := h.submit(t, highSpec)

	lowSpec := baseSpec()
	lowSpec.Priority = job.PriorityLow
	low := h.submit(t, lowSpec)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		gotLow, err := h.store.GetJob(context.Background(), low.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if gotLow.State != job.StateQueued {
			// Low claimed first; high must still be waiting its turn.
			gotHigh, _ := h.store.GetJob(context.Background(), high.ID)
			if gotHigh.State != job.StateQueued {
				t.Fatalf("high tier dispatched ahead of the low-only cycle, state=%q", gotHigh.State)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("low-priority job never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPool_FullCapacityBurnsNoAttempts(t *testing.T) {
	rt := newFakeRuntime()
	h := newHarness(t, rt)

	sched := scheduler.New(1, scheduler.DefaultWeights())
	if !sched.Acquire(job.PriorityHigh) {
		t.Fatal("Acquire: expected a free slot")
	}
	pool := worker.NewPool(
		h.queue, h.store, sched, h.runner, h.runtime, h.files, h.ext, testLogger(),
		worker.WithPoolWorkers(2),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithReconcileInterval(0),
	)

	j := h.submit(t, baseSpec())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	// While the pool sits at capacity the job stays queued with its
	// attempt budget untouched.
	time.Sleep(100 * time.Millisecond)
	got, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateQueued {
		t.Fatalf("State = %q, want queued while pool is full", got.State)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("AttemptCount = %d, want 0 while pool is full", got.AttemptCount)
	}

	sched.Release()

	deadline := time.After(5 * time.Second)
	for {
		got, _ = h.store.GetJob(context.Background(), j.ID)
		if got.State == job.StateSucceeded {
			if got.AttemptCount != 1 {
				t.Fatalf("AttemptCount = %d, want 1", got.AttemptCount)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job never ran after a slot freed, state=%q", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_QuarantineHaltsDispatch(t *testing.T) {
	rt := newFakeRuntime()
	violate := func(ctx context.Context, _ *job.Job, _ middleware.Handler) error {
		return &retry.SecurityError{Reason: "isolation breach"}
	}
	h := newHarness(t, rt, worker.WithMiddleware(violate))
	pool := newTestPool(t, h, worker.WithPoolWorkers(1))

	first := h.submit(t, baseSpec())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for !pool.Quarantined() {
		select {
		case <-deadline:
			t.Fatal("pool never quarantined")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got, _ := h.store.GetJob(context.Background(), first.ID)
	if got.State != job.StateFailed {
		t.Fatalf("violating job state = %q, want failed", got.State)
	}

	// Jobs submitted after quarantine are not dispatched.
	second := h.submit(t, baseSpec())
	time.Sleep(100 * time.Millisecond)
	got, _ = h.store.GetJob(context.Background(), second.ID)
	if got.State != job.StateQueued {
		t.Fatalf("second job state = %q, want queued while quarantined", got.State)
	}

	// Clearing quarantine resumes dispatch.
	pool.ClearQuarantine()
	deadline = time.After(5 * time.Second)
	for {
		got, _ = h.store.GetJob(context.Background(), second.ID)
		if got.State == job.StateFailed {
			return // the violating middleware fails it, but it was dispatched
		}
		select {
		case <-deadline:
			t.Fatalf("second job never dispatched after clear, state=%q", got.State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPool_ReconcilerRemovesOrphans(t *testing.T) {
	rt := newFakeRuntime()
	rt.instances = []sandbox.Instance{
		{Handle: "sbx-orphan", JobID: id.NewJobID().String(), CreatedAt: time.Now().Add(-time.Hour)},
	}
	h := newHarness(t, rt)
	pool := newTestPool(t, h,
		worker.WithPoolWorkers(1),
		worker.WithReconcileInterval(20*time.Millisecond),
	)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		_, _, removed := rt.counts()
		if removed >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("reconciler never removed the orphaned sandbox")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
