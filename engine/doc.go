// Package engine wires all container-codes subsystems together: the
// queue, scheduler, worker pool, sandbox runtime, staging store, retry
// engine, and extension registry. It exposes the job lifecycle
// operations consumed by the API layer: Submit, GetStatus, Cancel,
// Retry, ListOutputs, FetchOutput, and StreamLogs.
//
// This package exists to break the import cycle: the root
// containercodes package defines Config and the sentinel errors
// (imported by job, queue, worker, etc.) and so cannot import those
// packages back. The engine package sits above all subsystem packages
// and below the application layer.
package engine
