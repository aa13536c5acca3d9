// Package scheduler decides which priority tier a worker polls next and
// whether capacity exists to start another job. It prevents starvation
// with weighted round-robin across tiers and enforces the global
// concurrency cap and optional per-tier rate limits.
package scheduler

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/codyaverett/container-codes/job"
)

// Weights sets the relative share of dispatch slots per priority tier.
// With 2:2:1 every five leases go two high, two normal, one low.
type Weights struct {
	High   int
	Normal int
	Low    int
}

// DefaultWeights is the 2:2:1 split.
func DefaultWeights() Weights {
	return Weights{High: 2, Normal: 2, Low: 1}
}

// TierLimit caps the sustained dispatch rate of one tier. Zero
// RateLimit disables limiting for the tier.
type TierLimit struct {
	Tier      job.Priority
	RateLimit float64
	Burst     int
}

// Scheduler is safe for concurrent use by all workers in the pool.
type Scheduler struct {
	mu            sync.Mutex
	active        int
	maxConcurrent int
	cycle         []job.Priority
	cursor        int
	limiters      map[job.Priority]*rate.Limiter
}

// New creates a Scheduler. maxConcurrent of zero means uncapped.
func New(maxConcurrent int, w Weights, limits ...TierLimit) *Scheduler {
	if w.High <= 0 && w.Normal <= 0 && w.Low <= 0 {
		w = DefaultWeights()
	}
	s := &Scheduler{
		maxConcurrent: maxConcurrent,
		cycle:         buildCycle(w),
		limiters:      make(map[job.Priority]*rate.Limiter, len(limits)),
	}
	for _, l := range limits {
		if l.RateLimit <= 0 {
			continue
		}
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiters[l.Tier] = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
	return s
}

// buildCycle interleaves tiers by weight so no tier waits out a full
// burst of another: 2:2:1 becomes [high normal low high normal].
func buildCycle(w Weights) []job.Priority {
	remaining := map[job.Priority]int{
		job.PriorityHigh:   w.High,
		job.PriorityNormal: w.Normal,
		job.PriorityLow:    w.Low,
	}
	order := []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}

	var cycle []job.Priority
	for len(cycle) < w.High+w.Normal+w.Low {
		for _, tier := range order {
			if remaining[tier] > 0 {
				cycle = append(cycle, tier)
				remaining[tier]--
			}
		}
	}
	return cycle
}

// NextTiers returns the tiers a worker should poll, preferred first.
// Each call advances the round-robin cursor; falling back to a later
// tier keeps workers busy when the preferred tier is empty.
func (s *Scheduler) NextTiers() []job.Priority {
	s.mu.Lock()
	preferred := s.cycle[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.cycle)
	s.mu.Unlock()

	out := []job.Priority{preferred}
	for _, tier := range []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow} {
		if tier != preferred {
			out = append(out, tier)
		}
	}
	return out
}

// Acquire reserves a run slot for a job in the given tier. It returns
// false when the pool is at capacity or the tier's rate limit has no
// token. The caller must Release when the job finishes.
func (s *Scheduler) Acquire(tier job.Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxConcurrent > 0 && s.active >= s.maxConcurrent {
		return false
	}
	if lim := s.limiters[tier]; lim != nil && !lim.Allow() {
		return false
	}
	s.active++
	return true
}

// Release returns a run slot to the pool.
func (s *Scheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
}

// Active returns the number of reserved run slots.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
