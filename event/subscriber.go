package event

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one consumer of job events, typically a monitor session
// watching a handful of jobs. Delivery is credit-gated: each delivered
// event spends one credit, and a subscriber with none left is skipped
// until the consumer grants more. A slow consumer therefore sheds events
// instead of stalling the broker.
type Subscriber struct {
	id string
	ch chan *Event

	credits atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool

	mu     sync.RWMutex
	topics map[string]struct{}
	filter func(*Event) bool
}

// NewSubscriber creates a subscriber whose channel buffers bufferSize
// events and that may receive initialCredits events before the consumer
// must grant more.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C is the channel the consumer reads events from.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits grants the subscriber permission for n more deliveries.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns how many deliveries the subscriber may still receive.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// Dropped returns how many events were shed because the subscriber was
// out of credits or its buffer was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// SetFilter installs a predicate; events it rejects are silently skipped
// and cost no credit. A nil predicate delivers everything.
func (s *Subscriber) SetFilter(fn func(*Event) bool) {
	s.mu.Lock()
	s.filter = fn
	s.mu.Unlock()
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns the names of the topics the subscriber is attached to.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// send delivers evt if the subscriber is open, wants it, and has a
// credit to spend. It never blocks: a full buffer refunds the credit,
// counts a drop, and reports false.
func (s *Subscriber) send(evt *Event) bool {
	if s.closed.Load() {
		return false
	}

	s.mu.RLock()
	filter := s.filter
	s.mu.RUnlock()
	if filter != nil && !filter(evt) {
		return false
	}

	if !s.spendCredit() {
		s.dropped.Add(1)
		return false
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.credits.Add(1)
		s.dropped.Add(1)
		return false
	}
}

// spendCredit atomically takes one credit, failing when none remain.
func (s *Subscriber) spendCredit() bool {
	for {
		cur := s.credits.Load()
		if cur <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Close shuts the event channel. Safe to call more than once.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
