// Package containercodes provides the asynchronous job-execution core of
// container.codes: a durable, priority-tiered job queue with lease-based
// dispatch, a bounded worker pool that runs each job inside an isolated
// container sandbox, retry classification with configurable backoff,
// declared-output collection, and lifecycle event publishing.
//
// The core is designed as a library, not a service. The HTTP/WebSocket API,
// TLS, static file serving, the reverse proxy, and authentication live
// outside this module and consume the engine facade and the event broker.
//
// # Quick Start
//
//	sys, err := containercodes.New(
//	    containercodes.WithStore(memory.New()),
//	    containercodes.WithMaxConcurrentJobs(20),
//	)
//
// Wire the subsystems with the engine package:
//
//	eng, err := engine.Build(sys, runtime)
//	receipt, err := eng.Submit(ctx, spec)
//
// # Architecture
//
// Each subsystem (job, queue, scheduler, worker, sandbox, retry, output,
// staging, event, logs) lives in its own package. Persistence follows a
// composable store pattern: the job package defines the store contract and
// a single backend (memory, redis, etcd, postgres) implements it. The only
// shared mutable state is the store; job claims are atomic compare-and-swap
// lease transitions, so execution is at-least-once and crash recovery comes
// from lease expiry.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package containercodes
