package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/codyaverett/container-codes/ext"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobEnqueued")
	return nil
}

func (e *allHooksExt) OnJobLeased(_ context.Context, _ *job.Job, _ id.WorkerID) error {
	e.calls = append(e.calls, "OnJobLeased")
	return nil
}

func (e *allHooksExt) OnJobPhaseChanged(_ context.Context, _ *job.Job, _ job.Phase) error {
	e.calls = append(e.calls, "OnJobPhaseChanged")
	return nil
}

func (e *allHooksExt) OnJobSucceeded(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobSucceeded")
	return nil
}

func (e *allHooksExt) OnJobFailed(_ context.Context, _ *job.Job, _ job.Failure) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

func (e *allHooksExt) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	e.calls = append(e.calls, "OnJobRetrying")
	return nil
}

func (e *allHooksExt) OnJobCancelled(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobCancelled")
	return nil
}

func (e *allHooksExt) OnSecurityViolation(_ context.Context, _ *job.Job, _ id.WorkerID, _ string) error {
	e.calls = append(e.calls, "OnSecurityViolation")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// lifecycleOnlyExt only implements a subset of hooks.
type lifecycleOnlyExt struct {
	calls []string
}

func (e *lifecycleOnlyExt) Name() string { return "lifecycle-only" }

func (e *lifecycleOnlyExt) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	e.calls = append(e.calls, "OnJobEnqueued")
	return nil
}

func (e *lifecycleOnlyExt) OnJobSucceeded(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobSucceeded")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func testJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.NewJob(job.Spec{
		Name:    "hook-target",
		Image:   "alpine:3.20",
		Command: []string{"true"},
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return j
}

func TestRegistry_EmitsAllHooks(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	e := &allHooksExt{}
	r.Register(e)

	ctx := context.Background()
	j := testJob(t)
	worker := id.NewWorkerID()

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobLeased(ctx, j, worker)
	r.EmitJobPhaseChanged(ctx, j, job.PhaseExecuting)
	r.EmitJobSucceeded(ctx, j, time.Second)
	r.EmitJobFailed(ctx, j, job.Failure{Class: job.FailureExecution, ExitCode: 1})
	r.EmitJobRetrying(ctx, j, 1, time.Now())
	r.EmitJobCancelled(ctx, j)
	r.EmitSecurityViolation(ctx, j, worker, "escaped work dir")
	r.EmitShutdown(ctx)

	want := []string{
		"OnJobEnqueued", "OnJobLeased", "OnJobPhaseChanged", "OnJobSucceeded",
		"OnJobFailed", "OnJobRetrying", "OnJobCancelled", "OnSecurityViolation",
		"OnShutdown",
	}
	if len(e.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", e.calls, want)
	}
	for i, call := range want {
		if e.calls[i] != call {
			t.Errorf("calls[%d] = %q, want %q", i, e.calls[i], call)
		}
	}
}

func TestRegistry_PartialExtensionOnlyGetsItsHooks(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	e := &lifecycleOnlyExt{}
	r.Register(e)

	ctx := context.Background()
	j := testJob(t)

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobFailed(ctx, j, job.Failure{})
	r.EmitJobSucceeded(ctx, j, time.Second)
	r.EmitShutdown(ctx)

	if len(e.calls) != 2 || e.calls[0] != "OnJobEnqueued" || e.calls[1] != "OnJobSucceeded" {
		t.Errorf("calls = %v, want [OnJobEnqueued OnJobSucceeded]", e.calls)
	}
}

func TestRegistry_HookErrorsDoNotPropagate(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	failing := &failingExt{}
	after := &lifecycleOnlyExt{}
	r.Register(failing)
	r.Register(after)

	// A panic or halt here would fail the test.
	r.EmitJobEnqueued(context.Background(), testJob(t))

	if len(after.calls) != 1 {
		t.Errorf("extension after failing hook not notified: calls = %v", after.calls)
	}
}

func TestRegistry_RegistrationOrderPreserved(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	first := &lifecycleOnlyExt{}
	second := &allHooksExt{}
	r.Register(first)
	r.Register(second)

	exts := r.Extensions()
	if len(exts) != 2 || exts[0].Name() != "lifecycle-only" || exts[1].Name() != "all-hooks" {
		t.Errorf("extensions = %v", exts)
	}
}
