package middleware

import (
	"context"

	"github.com/codyaverett/container-codes/job"
)

// Handler runs the wrapped portion of one job attempt.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It sees each
// attempt exactly once: a retry re-enters the chain from the top, so
// per-attempt concerns (timing, spans, recovery) carry no state between
// runs. A middleware must call next to continue, or return an error to
// short-circuit the attempt.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes middleware into one Middleware. The first in the list
// is outermost: Chain(recover, timeout) runs recover around timeout
// around the handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		var run func(i int, ctx context.Context) error
		run = func(i int, ctx context.Context) error {
			if i == len(mws) {
				return next(ctx)
			}
			return mws[i](ctx, j, func(ctx context.Context) error {
				return run(i+1, ctx)
			})
		}
		return run(0, ctx)
	}
}
