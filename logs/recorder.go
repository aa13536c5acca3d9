// Package logs captures sandbox output streams into the staging store and
// replays them to followers. A follower that attaches mid-run first reads
// everything captured so far, then receives live output until recording
// for the job finishes.
package logs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/staging"
)

// defaultPollInterval is how often a follower re-checks a drained log for
// new output.
const defaultPollInterval = 100 * time.Millisecond

// Recorder copies sandbox log streams into the staging store and serves
// them back to followers. It is safe for concurrent use.
type Recorder struct {
	files  staging.FileStore
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]struct{} // jobID → recording in progress
}

// NewRecorder creates a Recorder backed by the given file store.
func NewRecorder(files staging.FileStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		files:  files,
		logger: logger,
		live:   make(map[string]struct{}),
	}
}

// Record drains src into the job's captured log until EOF or a read error.
// It returns the number of bytes captured. The caller owns src; Record does
// not close it.
func (r *Recorder) Record(ctx context.Context, jobID id.JobID, src io.Reader) (int64, error) {
	w, err := r.files.LogWriter(ctx, jobID)
	if err != nil {
		return 0, err
	}

	r.setLive(jobID, true)
	defer r.setLive(jobID, false)

	n, copyErr := io.Copy(w, src)
	if closeErr := w.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		r.logger.Warn("log capture ended with error",
			slog.String("job_id", jobID.String()),
			slog.Int64("bytes", n),
			slog.String("error", copyErr.Error()),
		)
	}
	return n, copyErr
}

// Live reports whether the job's log is still being captured.
func (r *Recorder) Live(jobID id.JobID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[jobID.String()]
	return ok
}

func (r *Recorder) setLive(jobID id.JobID, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.live[jobID.String()] = struct{}{}
	} else {
		delete(r.live, jobID.String())
	}
}

// Stream returns a reader over the job's captured log from the beginning.
// If follow is true and the job is still being recorded, the reader blocks
// at end-of-log and delivers new output as it is captured, returning EOF
// once recording finishes and the log is drained. With follow false it
// returns EOF at the current end of the captured log.
func (r *Recorder) Stream(ctx context.Context, jobID id.JobID, follow bool) (io.ReadCloser, error) {
	rc, err := r.files.LogReader(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !follow {
		return rc, nil
	}
	return &followReader{
		ctx:      ctx,
		rc:       rc,
		recorder: r,
		jobID:    jobID,
		poll:     defaultPollInterval,
	}, nil
}

// StreamWhile is Stream with follow semantics extended by a caller
// predicate: the reader keeps waiting for output while recording is in
// progress or while keepWaiting reports true. It lets a follower attach
// before the job's execution has produced a log at all, ending only when
// the predicate turns false and the log is drained.
func (r *Recorder) StreamWhile(ctx context.Context, jobID id.JobID, keepWaiting func() bool) (io.ReadCloser, error) {
	rc, err := r.files.LogReader(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &followReader{
		ctx:      ctx,
		rc:       rc,
		recorder: r,
		jobID:    jobID,
		poll:     defaultPollInterval,
		waiting:  keepWaiting,
	}, nil
}

// followReader retries reads at EOF while the job's log is still live.
// Because the log may not exist yet when the follower attaches, a drained
// reader is reopened from the store and fast-forwarded to the follower's
// offset before each retry.
type followReader struct {
	ctx      context.Context
	rc       io.ReadCloser
	recorder *Recorder
	jobID    id.JobID
	offset   int64
	poll     time.Duration

	// waiting, when set, extends the follow window beyond the recording
	// itself. See StreamWhile.
	waiting func() bool
}

func (f *followReader) Read(p []byte) (int, error) {
	for {
		n, err := f.rc.Read(p)
		f.offset += int64(n)
		if n > 0 || (err != nil && err != io.EOF) {
			return n, err
		}

		// Capture the liveness flag before reopening: output written
		// before recording finished is visible to the reopened reader.
		live := f.recorder.Live(f.jobID)
		if !live && f.waiting != nil {
			live = f.waiting()
		}

		if err := f.reopen(); err != nil {
			return 0, err
		}
		n, err = f.rc.Read(p)
		f.offset += int64(n)
		if n > 0 || (err != nil && err != io.EOF) {
			return n, err
		}

		if !live {
			return 0, io.EOF
		}
		select {
		case <-f.ctx.Done():
			return 0, f.ctx.Err()
		case <-time.After(f.poll):
		}
	}
}

// reopen replaces the underlying reader with a fresh one positioned at the
// follower's offset.
func (f *followReader) reopen() error {
	_ = f.rc.Close()
	rc, err := f.recorder.files.LogReader(f.ctx, f.jobID)
	if err != nil {
		return err
	}
	if f.offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, f.offset); err != nil && err != io.EOF {
			_ = rc.Close()
			return err
		}
	}
	f.rc = rc
	return nil
}

func (f *followReader) Close() error { return f.rc.Close() }
