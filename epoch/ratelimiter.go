package epoch

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// RateLimiter bounds the number of concurrently outstanding requests with a
// counting semaphore. Waiters are served in FIFO order. One limiter is
// shared across every epoch-scoped request for a file.
type RateLimiter struct {
	sem     *semaphore.Weighted
	permits int64
}

// NewRateLimiter creates a limiter with the given number of permits.
func NewRateLimiter(permits int64) *RateLimiter {
	return &RateLimiter{
		sem:     semaphore.NewWeighted(permits),
		permits: permits,
	}
}

// Permits returns the configured concurrency bound.
func (r *RateLimiter) Permits() int64 {
	return r.permits
}

// Do runs task holding one permit. The permit is released whether the task
// succeeds or fails. Blocks until a permit is available or ctx is done.
func (r *RateLimiter) Do(ctx context.Context, task func() error) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return task()
}
