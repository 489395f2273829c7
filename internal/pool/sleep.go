package pool

import (
	"context"
	"time"
)

// Sleep pauses the current goroutine for at least d, or until ctx is done.
//
// It returns nil when the full duration elapsed and context.Cause(ctx) when the
// context ended first, so callers can tell an abort from a shutdown by the cause.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if d <= 0 {
		return nil
	}

	timer := AcquireTimer(d)
	defer ReleaseTimer(timer)

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
