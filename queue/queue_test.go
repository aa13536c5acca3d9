package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/queue"
	"github.com/codyaverett/container-codes/store/memory"
)

func newJob(t *testing.T) *job.Job {
	t.Helper()
	j, err := job.NewJob(job.Spec{
		Name:    "queued-work",
		Image:   "alpine:3.20",
		Command: []string{"true"},
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return j
}

func TestEnqueueAndLease(t *testing.T) {
	q := queue.New(memory.New(), 0, time.Minute, nil)
	ctx := context.Background()

	j := newJob(t)
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	leased, err := q.Lease(ctx, id.NewWorkerID(), nil)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased == nil || leased.ID != j.ID {
		t.Fatalf("leased = %v, want %v", leased, j.ID)
	}
	if leased.State != job.StateScheduled || leased.AttemptCount != 1 {
		t.Errorf("state = %q attempts = %d, want scheduled/1", leased.State, leased.AttemptCount)
	}
}

func TestEnqueue_DepthCap(t *testing.T) {
	q := queue.New(memory.New(), 2, time.Minute, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newJob(t)); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := q.Enqueue(ctx, newJob(t)); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if err := q.Enqueue(ctx, newJob(t)); !errors.Is(err, containercodes.ErrNoCapacity) {
		t.Errorf("Enqueue 3 = %v, want ErrNoCapacity", err)
	}
}

func TestEnqueue_Conflict(t *testing.T) {
	q := queue.New(memory.New(), 0, time.Minute, nil)
	ctx := context.Background()

	j := newJob(t)
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, j); !errors.Is(err, containercodes.ErrJobAlreadyExists) {
		t.Errorf("duplicate Enqueue = %v, want ErrJobAlreadyExists", err)
	}
}

func TestEnqueue_Wake(t *testing.T) {
	q := queue.New(memory.New(), 0, time.Minute, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, newJob(t)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-q.Wake():
	default:
		t.Error("no wake pulse after enqueue")
	}
}

func TestReEnqueue_DelaysVisibility(t *testing.T) {
	q := queue.New(memory.New(), 0, time.Minute, nil)
	ctx := context.Background()

	j := newJob(t)
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	worker := id.NewWorkerID()
	leased, err := q.Lease(ctx, worker, nil)
	if err != nil || leased == nil {
		t.Fatalf("Lease = %v, %v", leased, err)
	}

	if err := q.ReEnqueue(ctx, j.ID, worker, time.Hour); err != nil {
		t.Fatalf("ReEnqueue: %v", err)
	}

	leased, err = q.Lease(ctx, id.NewWorkerID(), nil)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if leased != nil {
		t.Errorf("leased %v before its retry delay elapsed", leased.ID)
	}
}

func TestRenewAndRelease(t *testing.T) {
	store := memory.New()
	q := queue.New(store, 0, time.Minute, nil)
	ctx := context.Background()

	j := newJob(t)
	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	worker := id.NewWorkerID()
	leased, err := q.Lease(ctx, worker, nil)
	if err != nil || leased == nil {
		t.Fatalf("Lease = %v, %v", leased, err)
	}

	if err := q.Renew(ctx, j.ID, worker); err != nil {
		t.Errorf("Renew: %v", err)
	}
	if err := q.Renew(ctx, j.ID, id.NewWorkerID()); !errors.Is(err, containercodes.ErrLeaseNotHeld) {
		t.Errorf("Renew by stranger = %v, want ErrLeaseNotHeld", err)
	}

	leased.State = job.StateSucceeded
	if err := store.UpdateJob(ctx, leased); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := q.Release(ctx, j.ID, worker); err != nil {
		t.Errorf("Release: %v", err)
	}
}

func TestDepth(t *testing.T) {
	q := queue.New(memory.New(), 0, time.Minute, nil)
	ctx := context.Background()

	for range 3 {
		if err := q.Enqueue(ctx, newJob(t)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}

	if _, err := q.Lease(ctx, id.NewWorkerID(), nil); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	depth, _ = q.Depth(ctx)
	if depth != 2 {
		t.Errorf("depth after lease = %d, want 2", depth)
	}
}
