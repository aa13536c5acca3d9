// Package queue provides the durable job queue service: admission
// control on enqueue, lease-based dispatch with visibility timeouts,
// and delayed re-enqueue for retries.
//
// The queue itself holds no job state; it drives a job.Store, which
// supplies the atomic claim. Exactly one concurrent caller wins a given
// job, and a lease that is not renewed before its visibility timeout
// makes the job claimable again.
package queue
