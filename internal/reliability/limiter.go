package reliability

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces bulk publication
type Limiter struct {
	limiter *rate.Limiter
	burst   int
}

// NewLimiter allows perSecond events with the given burst. perSecond <= 0 disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		limiter: rate.NewLimiter(limit, burst),
		burst:   burst,
	}
}

// Wait blocks until n events may happen. Requests larger than the burst are split.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	for n > 0 {
		take := n
		if take > l.burst {
			take = l.burst
		}
		if err := l.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// Burst returns the largest single reservation
func (l *Limiter) Burst() int {
	return l.burst
}
