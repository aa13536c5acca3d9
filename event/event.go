// Package event provides a real-time broker for job lifecycle events.
// It bridges the ext.Extension system to subscribers via topic-based
// pub/sub. Delivery is at-least-once and ordered per job; subscribers
// must tolerate duplicates.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeJobEnqueued  Type = "job.enqueued"
	TypeJobStatus    Type = "job_status"
	TypeJobSucceeded Type = "job.succeeded"
	TypeJobFailed    Type = "job.failed"
	TypeJobRetrying  Type = "job.retrying"
	TypeJobCancelled Type = "job.cancelled"

	TypeSecurityViolation Type = "security.violation"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type Type `json:"type"`

	// JobID is the job this event concerns.
	JobID string `json:"job_id"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Payload is the event-specific data.
	Payload json.RawMessage `json:"payload"`
}

// StatusData is the payload of job_status events, published on every
// state or phase transition.
type StatusData struct {
	JobName  string  `json:"job_name"`
	State    string  `json:"state"`
	Phase    string  `json:"phase,omitempty"`
	Progress float64 `json:"progress"`
	Attempt  int     `json:"attempt"`
	Error    string  `json:"error,omitempty"`
}

// RetryData is the payload of job.retrying events.
type RetryData struct {
	JobName   string `json:"job_name"`
	Attempt   int    `json:"attempt"`
	NextRunAt string `json:"next_run_at"`
}

// ViolationData is the payload of security.violation events.
type ViolationData struct {
	JobName  string `json:"job_name"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}
