package backoff_test

import (
	"testing"
	"time"

	"github.com/codyaverett/container-codes/backoff"
	"github.com/codyaverett/container-codes/job"
)

func TestFixed_ReturnsFixedDelay(t *testing.T) {
	f := backoff.NewFixed(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := f.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestLinear_GrowsLinearly(t *testing.T) {
	l := backoff.NewLinear(time.Second, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestLinear_CapsAtMax(t *testing.T) {
	l := backoff.NewLinear(time.Second, 5*time.Second)

	if got := l.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
	if got := l.Delay(100); got != 5*time.Second {
		t.Errorf("Delay(100) = %v, want %v (capped at Max)", got, 5*time.Second)
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},  // 1 * 2^0
		{2, 2 * time.Second},  // 1 * 2^1
		{3, 4 * time.Second},  // 1 * 2^2
		{4, 8 * time.Second},  // 1 * 2^3
		{5, 16 * time.Second}, // 1 * 2^4
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	// Attempt 5 = 16s > 10s max → should return 10s.
	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want %v (capped at Max)", got, 10*time.Second)
	}
}

func TestJitter_WithinBounds(t *testing.T) {
	j := backoff.NewJitter(backoff.NewExponential(time.Second, 10*time.Second))

	for attempt := 1; attempt <= 5; attempt++ {
		base := backoff.NewExponential(time.Second, 10*time.Second).Delay(attempt)

		for range 100 {
			got := j.Delay(attempt)
			if got < base/2 {
				t.Errorf("Delay(%d) = %v, should be >= %v", attempt, got, base/2)
			}
			if got > base {
				t.Errorf("Delay(%d) = %v, should be <= %v", attempt, got, base)
			}
		}
	}
}

func TestJitter_ProducesVariance(t *testing.T) {
	j := backoff.NewJitter(backoff.NewFixed(time.Minute))

	// Collect 100 samples and check they're not all the same.
	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[j.Delay(1)] = true
	}

	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestFromPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy job.RetryPolicy
		// expected delays for attempts 1..3 with jitter disabled
		want []time.Duration
	}{
		{
			name:   "fixed",
			policy: job.RetryPolicy{Backoff: job.BackoffFixed, BaseDelay: 3 * time.Second},
			want:   []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second},
		},
		{
			name:   "linear",
			policy: job.RetryPolicy{Backoff: job.BackoffLinear, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second},
			want:   []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second},
		},
		{
			name:   "exponential",
			policy: job.RetryPolicy{Backoff: job.BackoffExponential, BaseDelay: time.Second, MaxDelay: 3 * time.Second},
			want:   []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := backoff.FromPolicy(tt.policy)
			for i, want := range tt.want {
				if got := s.Delay(i + 1); got != want {
					t.Errorf("Delay(%d) = %v, want %v", i+1, got, want)
				}
			}
		})
	}
}

func TestFromPolicy_JitterStaysUnderBase(t *testing.T) {
	s := backoff.FromPolicy(job.RetryPolicy{
		Backoff:   job.BackoffFixed,
		BaseDelay: 10 * time.Second,
		Jitter:    true,
	})
	for range 100 {
		d := s.Delay(1)
		if d < 5*time.Second || d > 10*time.Second {
			t.Fatalf("Delay(1) = %v, want within [5s, 10s]", d)
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := backoff.DefaultStrategy()
	if s == nil {
		t.Fatal("DefaultStrategy() returned nil")
	}

	d := s.Delay(1)
	if d < 2500*time.Millisecond || d > 5*time.Second {
		t.Errorf("DefaultStrategy().Delay(1) = %v, want within [2.5s, 5s]", d)
	}
}
