package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/codyaverett/container-codes/job"
)

// Logging returns middleware that logs attempt start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("attempt started",
			slog.String("job_name", j.Name),
			slog.String("job_id", j.ID.String()),
			slog.String("priority", string(j.Priority)),
			slog.Int("attempt", j.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("attempt failed",
				slog.String("job_name", j.Name),
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.AttemptCount),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("attempt completed",
				slog.String("job_name", j.Name),
				slog.String("job_id", j.ID.String()),
				slog.Int("attempt", j.AttemptCount),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
