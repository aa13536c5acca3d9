package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/codyaverett/container-codes/job"
)

// Timeout returns middleware that caps the whole attempt, staging and
// collection included, with an operator-set ceiling. A limit of zero
// disables the cap. The job's own Resources.Timeout bounds only the
// executing phase and is enforced by the sandbox wait deadline, so a
// slow upload or download never counts against it.
func Timeout(logger *slog.Logger, limit time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if limit > 0 {
			logger.Debug("attempt deadline set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", limit),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
