package scheduler_test

import (
	"testing"

	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/scheduler"
)

func TestNextTiers_WeightedCycle(t *testing.T) {
	s := scheduler.New(0, scheduler.Weights{High: 2, Normal: 2, Low: 1})

	// One full cycle of preferred tiers: interleaved 2:2:1.
	want := []job.Priority{
		job.PriorityHigh, job.PriorityNormal, job.PriorityLow,
		job.PriorityHigh, job.PriorityNormal,
	}
	for i, tier := range want {
		got := s.NextTiers()
		if got[0] != tier {
			t.Errorf("cycle[%d] preferred = %q, want %q", i, got[0], tier)
		}
	}

	// Second cycle repeats the first.
	if got := s.NextTiers(); got[0] != job.PriorityHigh {
		t.Errorf("cycle restart preferred = %q, want %q", got[0], job.PriorityHigh)
	}
}

func TestNextTiers_IncludesFallbacks(t *testing.T) {
	s := scheduler.New(0, scheduler.DefaultWeights())
	got := s.NextTiers()
	if len(got) != 3 {
		t.Fatalf("len = %d, want all 3 tiers", len(got))
	}
	seen := map[job.Priority]bool{}
	for _, tier := range got {
		if seen[tier] {
			t.Errorf("tier %q repeated", tier)
		}
		seen[tier] = true
	}
}

func TestNextTiers_LowShare(t *testing.T) {
	s := scheduler.New(0, scheduler.Weights{High: 2, Normal: 2, Low: 1})

	lowFirst := 0
	for range 100 {
		if s.NextTiers()[0] == job.PriorityLow {
			lowFirst++
		}
	}
	if lowFirst != 20 {
		t.Errorf("low tier preferred %d/100 times, want 20", lowFirst)
	}
}

func TestAcquire_CapacityCap(t *testing.T) {
	s := scheduler.New(2, scheduler.DefaultWeights())

	if !s.Acquire(job.PriorityNormal) || !s.Acquire(job.PriorityNormal) {
		t.Fatal("first two acquires should succeed")
	}
	if s.Acquire(job.PriorityNormal) {
		t.Error("third acquire should fail at capacity 2")
	}

	s.Release()
	if !s.Acquire(job.PriorityHigh) {
		t.Error("acquire after release should succeed")
	}
	if s.Active() != 2 {
		t.Errorf("active = %d, want 2", s.Active())
	}
}

func TestAcquire_Uncapped(t *testing.T) {
	s := scheduler.New(0, scheduler.DefaultWeights())
	for range 50 {
		if !s.Acquire(job.PriorityLow) {
			t.Fatal("uncapped scheduler refused a slot")
		}
	}
}

func TestAcquire_TierRateLimit(t *testing.T) {
	s := scheduler.New(0, scheduler.DefaultWeights(),
		scheduler.TierLimit{Tier: job.PriorityLow, RateLimit: 0.001, Burst: 1},
	)

	if !s.Acquire(job.PriorityLow) {
		t.Fatal("first low acquire should consume the burst token")
	}
	if s.Acquire(job.PriorityLow) {
		t.Error("second low acquire should be rate limited")
	}
	// Other tiers are unaffected.
	if !s.Acquire(job.PriorityHigh) {
		t.Error("high tier should not be limited")
	}
}

func TestRelease_NeverGoesNegative(t *testing.T) {
	s := scheduler.New(1, scheduler.DefaultWeights())
	s.Release()
	if s.Active() != 0 {
		t.Errorf("active = %d, want 0", s.Active())
	}
}
