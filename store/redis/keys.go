package redis

import "github.com/codyaverett/container-codes/job"

// Redis key naming conventions. All keys are prefixed with "codes:" to
// avoid collisions.

const keyPrefix = "codes:"

// jobKey returns the key holding a job's JSON document: codes:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// pendingKey returns the Sorted Set of waiting job IDs for one priority
// tier, scored by visibility time (NotBefore, or CreatedAt when unset):
// codes:pending:{tier}
func pendingKey(tier job.Priority) string { return keyPrefix + "pending:" + string(tier) }

// runningKey is the Sorted Set of leased job IDs scored by lease expiry.
// Expired members are reclaim candidates.
const runningKey = keyPrefix + "running"

// leaseKey returns the lease lock key for a job: codes:lease:{id}.
// Its value is the holder's worker ID; its TTL is the visibility timeout.
func leaseKey(id string) string { return keyPrefix + "lease:" + id }
