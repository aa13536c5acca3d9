package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codyaverett/container-codes/ext"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Broker)(nil)
	_ ext.JobEnqueued       = (*Broker)(nil)
	_ ext.JobLeased         = (*Broker)(nil)
	_ ext.JobPhaseChanged   = (*Broker)(nil)
	_ ext.JobSucceeded      = (*Broker)(nil)
	_ ext.JobFailed         = (*Broker)(nil)
	_ ext.JobRetrying       = (*Broker)(nil)
	_ ext.JobCancelled      = (*Broker)(nil)
	_ ext.SecurityViolation = (*Broker)(nil)
	_ ext.Shutdown          = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the status tracker and event bus. It implements the
// ext.Extension hooks to observe lifecycle transitions and fans them
// out to subscribers via topic-based pub/sub. Every transition also
// produces a job_status event carrying state, phase, progress, and
// attempt, so a subscriber on a job's topic can render its full
// lifecycle without polling.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new event broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "event-broker" }

// Topics returns the topic registry for external use.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish broadcasts an event to all matching topics.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// publishStatus emits the job_status envelope for the job's current
// state and phase.
func (b *Broker) publishStatus(j *job.Job, eventType Type, errMsg string) {
	b.publish(&Event{
		Type:      eventType,
		JobID:     j.ID.String(),
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Payload: mustMarshal(StatusData{
			JobName:  j.Name,
			State:    string(j.State),
			Phase:    string(j.Phase),
			Progress: job.Progress(j.State, j.Phase),
			Attempt:  j.AttemptCount,
			Error:    errMsg,
		}),
	})
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("event: marshal event payload: " + err.Error())
	}
	return data
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobEnqueued(_ context.Context, j *job.Job) error {
	b.publishStatus(j, TypeJobEnqueued, "")
	return nil
}

func (b *Broker) OnJobLeased(_ context.Context, j *job.Job, _ id.WorkerID) error {
	b.publishStatus(j, TypeJobStatus, "")
	return nil
}

func (b *Broker) OnJobPhaseChanged(_ context.Context, j *job.Job, _ job.Phase) error {
	b.publishStatus(j, TypeJobStatus, "")
	return nil
}

func (b *Broker) OnJobSucceeded(_ context.Context, j *job.Job, _ time.Duration) error {
	b.publishStatus(j, TypeJobSucceeded, "")
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, failure job.Failure) error {
	b.publishStatus(j, TypeJobFailed, failure.Message)
	return nil
}

func (b *Broker) OnJobRetrying(_ context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	b.publish(&Event{
		Type:      TypeJobRetrying,
		JobID:     j.ID.String(),
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Payload: mustMarshal(RetryData{
			JobName:   j.Name,
			Attempt:   attempt,
			NextRunAt: nextRunAt.Format(time.RFC3339),
		}),
	})
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publishStatus(j, TypeJobCancelled, "")
	return nil
}

// ── Security hooks ──────────────────────────────────

func (b *Broker) OnSecurityViolation(_ context.Context, j *job.Job, workerID id.WorkerID, reason string) error {
	b.publish(&Event{
		Type:      TypeSecurityViolation,
		JobID:     j.ID.String(),
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Payload: mustMarshal(ViolationData{
			JobName:  j.Name,
			WorkerID: workerID.String(),
			Reason:   reason,
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("event broker shut down")
	return nil
}
