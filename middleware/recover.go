package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/codyaverett/container-codes/job"
)

// Recover converts panics anywhere in the attempt chain into ordinary
// errors, so a buggy extension or collector cannot take down the worker
// slot. The stack is logged at the point of recovery.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("panic during job attempt",
				slog.String("job_id", j.ID.String()),
				slog.String("job_name", j.Name),
				slog.Int("attempt", j.AttemptCount),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			retErr = fmt.Errorf("panic in job %s: %v", j.Name, r)
		}()
		return next(ctx)
	}
}
