package diskmanager

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle paces bulk writes with a token bucket so that a large rewrite
// does not starve the rest of the process of disk bandwidth. A nil
// Throttle does not pace but still honours context cancellation.
type Throttle struct {
	limiter *rate.Limiter
	burst   int
}

// NewThrottle allows bytesPerSec with bursts of at most burst bytes. It
// returns nil when bytesPerSec is not positive.
func NewThrottle(bytesPerSec int64, burst int) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst), burst: burst}
}

// Wait blocks until n more bytes may be written or ctx ends.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return ctx.Err()
	}
	for n > 0 {
		chunk := min(n, t.burst)
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		n -= chunk
	}
	return nil
}
