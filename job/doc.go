// Package job defines the job data model — states, phases, priorities,
// retry policies, resource limits, leases, and output artifacts — along
// with submission spec validation and the persistence contract (Store)
// that every backend implements.
//
// A Job's identity fields (image, command, environment, inputs, outputs,
// resources, retry policy) are fixed at submission. Only the scheduler and
// the worker mutate the remaining fields, and stores reject writes to jobs
// that have reached a terminal state.
package job
