// Package ext defines the extension system for the job engine.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, streaming status to subscribers, writing audit
// logs, etc. Each lifecycle hook is a separate interface so extensions
// opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s succeeded in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobEnqueued] — job was accepted into the queue
//   - [JobLeased] — a worker claimed the job
//   - [JobPhaseChanged] — the running job advanced a phase
//   - [JobSucceeded] — job finished successfully
//   - [JobFailed] — job failed with no retries remaining
//   - [JobRetrying] — job failed but will be retried
//   - [JobCancelled] — job was cancelled
//
// # Other Hooks
//
//   - [SecurityViolation] — a sandbox isolation breach was detected
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
