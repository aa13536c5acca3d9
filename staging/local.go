package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

var _ FileStore = (*Local)(nil)

// Local is a FileStore on the local filesystem.
//
// Layout under root:
//
//	inputs/<name>                   uploaded input files
//	artifacts/<job-id>/<artifact-id> collected outputs, keyed by ID
//	logs/<job-id>.log               captured process output
//
// Scratch directories live under workRoot/<job-id>/{in,out} and are
// removed after every attempt.
type Local struct {
	root     string
	workRoot string
	logger   *slog.Logger
}

// NewLocal creates the directory layout under root and workRoot.
func NewLocal(root, workRoot string, logger *slog.Logger) (*Local, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{
		filepath.Join(root, "inputs"),
		filepath.Join(root, "artifacts"),
		filepath.Join(root, "logs"),
		workRoot,
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}
	return &Local{
		root:     root,
		workRoot: workRoot,
		logger:   logger.With(slog.String("component", "staging")),
	}, nil
}

// WriteInput stores an uploaded file under inputs/.
func (l *Local) WriteInput(_ context.Context, name string, r io.Reader) (int64, error) {
	path, err := l.inputPath(name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create input dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create input file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("write input file: %w", err)
	}
	return n, nil
}

// StageInputs builds the attempt's in/out directories and copies the
// job's inputs into place.
func (l *Local) StageInputs(_ context.Context, j *job.Job, maxInputSize int64) (Dirs, error) {
	dirs := Dirs{
		Input: filepath.Join(l.workRoot, j.ID.String(), "in"),
		Work:  filepath.Join(l.workRoot, j.ID.String(), "out"),
	}
	for _, dir := range []string{dirs.Input, dirs.Work} {
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return Dirs{}, fmt.Errorf("create work dir %s: %w", dir, err)
		}
	}

	var total int64
	for _, m := range j.InputFiles {
		src, err := l.inputPath(m.Source)
		if err != nil {
			return Dirs{}, err
		}
		info, err := os.Stat(src)
		if err != nil {
			// A source the submitter never uploaded is the job's fault,
			// not the infrastructure's.
			return Dirs{}, fmt.Errorf("%w: input file %q not found in staging", containercodes.ErrValidation, m.Source)
		}
		total += info.Size()
		if maxInputSize > 0 && total > maxInputSize {
			return Dirs{}, fmt.Errorf("%w: staged inputs exceed %d bytes", containercodes.ErrQuotaExceeded, maxInputSize)
		}

		dst := filepath.Join(dirs.Input, filepath.FromSlash(m.Destination))
		if err := os.MkdirAll(filepath.Dir(dst), 0o770); err != nil {
			return Dirs{}, fmt.Errorf("create input subdir: %w", err)
		}
		mode := fs.FileMode(m.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := copyFile(src, dst, mode); err != nil {
			return Dirs{}, fmt.Errorf("stage input %q: %w", m.Source, err)
		}
	}

	l.logger.Debug("inputs staged",
		slog.String("job_id", j.ID.String()),
		slog.Int("files", len(j.InputFiles)),
		slog.Int64("bytes", total),
	)
	return dirs, nil
}

// StoreArtifact copies one output file into the artifact area.
func (l *Local) StoreArtifact(_ context.Context, jobID id.JobID, relPath string, r io.Reader) (job.OutputArtifact, error) {
	artifactID := id.NewArtifactID()
	dir := filepath.Join(l.root, "artifacts", jobID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return job.OutputArtifact{}, fmt.Errorf("create artifact dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, artifactID.String()))
	if err != nil {
		return job.OutputArtifact{}, fmt.Errorf("create artifact file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return job.OutputArtifact{}, fmt.Errorf("store artifact %q: %w", relPath, err)
	}

	return job.OutputArtifact{
		ID:       artifactID,
		Path:     relPath,
		Size:     n,
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
		StagedAt: time.Now().UTC(),
	}, nil
}

// OpenArtifact streams a stored artifact.
func (l *Local) OpenArtifact(_ context.Context, jobID id.JobID, artifactID id.ArtifactID) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.root, "artifacts", jobID.String(), artifactID.String()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, containercodes.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// LogWriter appends to the job's log file.
func (l *Local) LogWriter(_ context.Context, jobID id.JobID) (io.WriteCloser, error) {
	f, err := os.OpenFile(l.logPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log for append: %w", err)
	}
	return f, nil
}

// LogReader streams the job's log from the beginning.
func (l *Local) LogReader(_ context.Context, jobID id.JobID) (io.ReadCloser, error) {
	f, err := os.Open(l.logPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return io.NopCloser(strings.NewReader("")), nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// CleanupWork removes the attempt's scratch directories.
func (l *Local) CleanupWork(_ context.Context, jobID id.JobID) error {
	if err := os.RemoveAll(filepath.Join(l.workRoot, jobID.String())); err != nil {
		return fmt.Errorf("cleanup work dir: %w", err)
	}
	return nil
}

// Sweep removes per-job data older than the retention period.
func (l *Local) Sweep(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	swept := 0

	entries, err := os.ReadDir(filepath.Join(l.root, "artifacts"))
	if err != nil {
		return 0, fmt.Errorf("read artifact dir: %w", err)
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		jobDir := filepath.Join(l.root, "artifacts", e.Name())
		if err := os.RemoveAll(jobDir); err != nil {
			l.logger.Warn("sweep failed", slog.String("dir", jobDir), slog.String("error", err.Error()))
			continue
		}
		// The log and any leftover scratch space go with the artifacts.
		_ = os.Remove(filepath.Join(l.root, "logs", e.Name()+".log"))
		_ = os.RemoveAll(filepath.Join(l.workRoot, e.Name()))
		swept++
	}

	if swept > 0 {
		l.logger.Info("retention sweep complete", slog.Int("jobs", swept))
	}
	return swept, nil
}

func (l *Local) logPath(jobID id.JobID) string {
	return filepath.Join(l.root, "logs", jobID.String()+".log")
}

// inputPath resolves a staging-relative source path, rejecting escapes.
func (l *Local) inputPath(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: input path %q escapes the staging area", containercodes.ErrValidation, name)
	}
	return filepath.Join(l.root, "inputs", clean), nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
