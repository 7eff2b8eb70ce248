package probe

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Retry calls fn up to attempts times, waiting interval between failed
// attempts. It returns the number of attempts made and the last error, or
// nil as soon as one attempt succeeds. A cancelled ctx stops the loop.
func Retry(ctx context.Context, clk clock.Clock, attempts int, interval time.Duration, fn func(ctx context.Context) error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt == attempts {
			return attempt, err
		}
		if werr := Wait(ctx, clk, interval); werr != nil {
			return attempt, werr
		}
	}
	return attempts, err
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
