package ratelimit

import (
	"context"
	"time"
)

// CounterStore holds fixed-window counters. A counter is identified by its
// key and the start of its window; a new window starts at zero.
type CounterStore interface {
	// Peek returns the current count without incrementing it.
	Peek(ctx context.Context, key string, windowStart time.Time) (int, error)

	// Acquire increments the counter if it is below limit. It returns the
	// count after the call and whether the increment happened. The check
	// and the increment are atomic.
	Acquire(ctx context.Context, key string, windowStart time.Time, window time.Duration, limit int) (int, bool, error)
}
