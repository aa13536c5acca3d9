// Package staging manages the files around a job's execution: input
// files copied into the sandbox, collected output artifacts, and
// captured logs. Everything is keyed by job ID so retention sweeps can
// reclaim a whole job at once.
package staging

import (
	"context"
	"io"
	"time"

	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// Dirs are the host directories handed to the sandbox for one attempt.
type Dirs struct {
	// Input holds the staged input files, mounted read-only.
	Input string
	// Work is the writable scratch directory output patterns are
	// evaluated against.
	Work string
}

// FileStore is the staging capability used by submission, the worker,
// and the engine's artifact operations.
type FileStore interface {
	// WriteInput stores a file in the input area under the given name.
	// Submitters reference it from FileMapping.Source.
	WriteInput(ctx context.Context, name string, r io.Reader) (int64, error)

	// StageInputs prepares the attempt's directories and copies the
	// job's input files into them. A missing source wraps ErrValidation;
	// exceeding maxInputSize cumulatively wraps ErrQuotaExceeded.
	StageInputs(ctx context.Context, j *job.Job, maxInputSize int64) (Dirs, error)

	// StoreArtifact copies one collected file into the artifact area,
	// computing its size and checksum. relPath is the file's path
	// relative to the work directory.
	StoreArtifact(ctx context.Context, jobID id.JobID, relPath string, r io.Reader) (job.OutputArtifact, error)

	// OpenArtifact streams a stored artifact.
	OpenArtifact(ctx context.Context, jobID id.JobID, artifactID id.ArtifactID) (io.ReadCloser, error)

	// LogWriter appends to the job's captured log.
	LogWriter(ctx context.Context, jobID id.JobID) (io.WriteCloser, error)

	// LogReader streams the job's captured log from the beginning.
	LogReader(ctx context.Context, jobID id.JobID) (io.ReadCloser, error)

	// CleanupWork removes the attempt's scratch directories. Artifacts
	// and logs survive until the retention sweep.
	CleanupWork(ctx context.Context, jobID id.JobID) error

	// Sweep removes artifacts, logs, and leftover scratch space older
	// than the retention period. It returns how many jobs were swept.
	Sweep(ctx context.Context, retention time.Duration) (int, error)
}
