// Package periodic runs background sweeps on a fixed interval.
package periodic

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/italolelis/image_toolkit/internal/logctx"
)

// Task is one run of a periodic job.
type Task func(ctx context.Context) error

// Run calls task every interval until ctx is cancelled, and once right away
// when immediate is set. A failing or panicking run is logged and the loop
// carries on. Run blocks.
func Run(ctx context.Context, name string, interval time.Duration, immediate bool, task Task) {
	logger := logctx.LoggerFromContext(ctx).With("task", name)
	ctx = logctx.WithLogger(ctx, logger)

	logger.InfoContext(ctx, "periodic task started", "interval", interval.String(), "immediate", immediate)

	if immediate {
		runOnce(ctx, task)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "periodic task shutdown", "reason", "context_cancelled")

			return
		case <-ticker.C:
			runOnce(ctx, task)
		}
	}
}

func runOnce(ctx context.Context, task Task) {
	logger := logctx.LoggerFromContext(ctx)

	if err := safeRun(ctx, task); err != nil {
		logger.ErrorContext(ctx, "periodic task failed", "err", err)
	}
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "periodic task panic",
				"panic", r,
				"stack", string(debug.Stack()))

			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return task(ctx)
}
