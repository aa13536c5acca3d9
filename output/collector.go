// Package output collects a job's produced files after a successful
// run: the work directory is scanned against the job's output patterns
// and every match is copied into the staging store as an artifact.
package output

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/staging"
)

// Collector scans work directories and stages matched files.
type Collector struct {
	files   staging.FileStore
	maxSize int64
	logger  *slog.Logger
}

// NewCollector creates a Collector. maxSize caps the cumulative bytes
// collected per job; zero means unbounded.
func NewCollector(files staging.FileStore, maxSize int64, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		files:   files,
		maxSize: maxSize,
		logger:  logger.With(slog.String("component", "output")),
	}
}

// Collect evaluates the job's output patterns against workDir, in
// declared order, and stages every matched file. A file matched by more
// than one pattern is collected once, under the first pattern that hit.
// Exceeding the size quota fails the whole collection; nothing is
// silently truncated.
func (c *Collector) Collect(ctx context.Context, j *job.Job, workDir string) ([]job.OutputArtifact, error) {
	if len(j.OutputPatterns) == 0 {
		return nil, nil
	}

	var all []string
	err := filepath.WalkDir(workDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workDir, p)
		if err != nil {
			return err
		}
		all = append(all, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan work dir: %w", err)
	}
	sort.Strings(all)

	seen := make(map[string]bool)
	var (
		artifacts []job.OutputArtifact
		total     int64
	)
	for _, pattern := range j.OutputPatterns {
		for _, rel := range all {
			if seen[rel] {
				continue
			}
			ok, err := path.Match(pattern, rel)
			if err != nil {
				return nil, fmt.Errorf("%w: output pattern %q", containercodes.ErrValidation, pattern)
			}
			if !ok {
				continue
			}
			seen[rel] = true

			art, size, err := c.stage(ctx, j, workDir, rel, total)
			if err != nil {
				return nil, err
			}
			total = size
			artifacts = append(artifacts, art)
		}
	}

	c.logger.Info("outputs collected",
		slog.String("job_id", j.ID.String()),
		slog.Int("artifacts", len(artifacts)),
		slog.Int64("bytes", total),
	)
	return artifacts, nil
}

// stage copies one matched file, enforcing the cumulative quota before
// any bytes move.
func (c *Collector) stage(ctx context.Context, j *job.Job, workDir, rel string, total int64) (job.OutputArtifact, int64, error) {
	full := filepath.Join(workDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return job.OutputArtifact{}, total, fmt.Errorf("stat output %q: %w", rel, err)
	}

	total += info.Size()
	if c.maxSize > 0 && total > c.maxSize {
		return job.OutputArtifact{}, total, fmt.Errorf(
			"%w: collected outputs exceed %d bytes at %q", containercodes.ErrQuotaExceeded, c.maxSize, rel)
	}

	f, err := os.Open(full)
	if err != nil {
		return job.OutputArtifact{}, total, fmt.Errorf("open output %q: %w", rel, err)
	}
	defer f.Close()

	art, err := c.files.StoreArtifact(ctx, j.ID, rel, f)
	if err != nil {
		return job.OutputArtifact{}, total, err
	}
	return art, total, nil
}
