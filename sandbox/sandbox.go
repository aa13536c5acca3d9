// Package sandbox defines the isolation boundary jobs execute behind.
// A Runtime wraps a container engine; the worker drives it through the
// create/start/wait/terminate/remove lifecycle and never touches the
// engine directly.
package sandbox

import (
	"context"
	"io"
	"time"

	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// LabelJobID is set on every runtime resource so the reconciler can map
// orphaned sandboxes back to their jobs.
const LabelJobID = "codes.container.job-id"

// LabelManaged marks resources created by this system.
const LabelManaged = "codes.container.managed"

// Handle identifies a created sandbox within its runtime.
type Handle string

// SecurityProfile is the isolation contract applied to every sandbox.
// Jobs do not get to weaken it.
type SecurityProfile struct {
	// DropAllCapabilities removes every Linux capability from the
	// sandboxed process.
	DropAllCapabilities bool
	// ReadOnlyRootfs mounts the image's root filesystem read-only; only
	// the work directories are writable.
	ReadOnlyRootfs bool
	// NoNewPrivileges stops setuid binaries from escalating.
	NoNewPrivileges bool
	// DisableNetwork runs the sandbox with no network access.
	DisableNetwork bool
	// User is the uid:gid the process runs as. Never root.
	User string
	// PidsLimit caps the process count inside the sandbox; zero means
	// the runtime default.
	PidsLimit int64
}

// DefaultSecurityProfile locks everything down: no capabilities,
// read-only root, no network, unprivileged user.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		DropAllCapabilities: true,
		ReadOnlyRootfs:      true,
		NoNewPrivileges:     true,
		DisableNetwork:      true,
		User:                "65534:65534",
		PidsLimit:           256,
	}
}

// Spec describes one sandbox to create. It is derived from a Job plus
// the host directories prepared by the staging layer.
type Spec struct {
	JobID   id.JobID
	Image   string
	Command []string
	Env     map[string]string

	// InputDir is the host directory with staged input files, mounted
	// read-only at /work/in.
	InputDir string
	// WorkDir is the host scratch directory, mounted read-write at
	// /work/out. Output patterns are evaluated against it.
	WorkDir string

	Resources job.ResourceLimits
	Security  SecurityProfile
}

// ExitStatus is the outcome of a finished sandbox process.
type ExitStatus struct {
	// Code is the process exit code. Meaningless when Timeout is set.
	Code int
	// Timeout is true when the deadline elapsed and the process was
	// forcibly terminated.
	Timeout bool
	// OOMKilled is true when the kernel killed the process for
	// exceeding its memory limit.
	OOMKilled bool
}

// Instance is a runtime resource found by List, used for orphan
// reconciliation.
type Instance struct {
	Handle    Handle
	JobID     string
	CreatedAt time.Time
}

// Runtime is the container-engine capability the worker executes
// against. Implementations must make Remove idempotent: it runs on
// every exit path, including crash recovery sweeps.
type Runtime interface {
	// Create provisions a sandbox without starting it.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Start begins execution of the sandboxed process.
	Start(ctx context.Context, h Handle) error

	// Wait blocks until the process exits or the deadline passes. On
	// deadline expiry it terminates the process and reports a Timeout
	// outcome rather than an error. A zero deadline waits indefinitely.
	Wait(ctx context.Context, h Handle, deadline time.Time) (ExitStatus, error)

	// Terminate force-stops the process. Safe on an already-stopped
	// sandbox.
	Terminate(ctx context.Context, h Handle) error

	// Stats samples current resource usage of a running sandbox.
	Stats(ctx context.Context, h Handle) (job.ResourceUsage, error)

	// Logs returns the process output stream. With follow, the stream
	// stays open until the process exits.
	Logs(ctx context.Context, h Handle, follow bool) (io.ReadCloser, error)

	// Remove destroys the sandbox and its runtime resources.
	Remove(ctx context.Context, h Handle) error

	// List returns every sandbox this system created, running or not.
	List(ctx context.Context) ([]Instance, error)
}
