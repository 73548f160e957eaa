package analysis

import (
	"context"
	"time"

	"github.com/warp/coverage-audit/internal/clock"
)

// Watch calls fn once content changes have been quiet for the given
// duration. A burst of events yields one call. Watch returns when ctx
// is done, or when events is closed after flushing a pending call.
func Watch(ctx context.Context, events <-chan struct{}, quiet time.Duration, clk clock.Clock, fn func(context.Context)) {
	var timer <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				if timer != nil {
					fn(ctx)
				}
				return
			}
			timer = clk.After(quiet)
		case <-timer:
			timer = nil
			fn(ctx)
		}
	}
}
