package ratelimit

import (
	"context"
	"maps"
	"time"
)

// Coarse is the per-partition fixed-window limiter.
type Coarse struct {
	store   CounterStore
	budgets map[string]int
	window  time.Duration
}

// NewCoarse creates a Coarse limiter. Missing partitions fall back to the
// default budgets; a budget of zero or less leaves the partition unlimited.
func NewCoarse(store CounterStore, budgets map[string]int, window time.Duration) *Coarse {
	b := DefaultBudgets()
	maps.Copy(b, budgets)
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coarse{store: store, budgets: b, window: window}
}

// Budget returns the permit budget of a partition.
func (c *Coarse) Budget(partition string) int {
	if n, ok := c.budgets[partition]; ok {
		return n
	}
	return c.budgets[PartitionDefault]
}

// Window returns the start and end of the window now falls in.
func (c *Coarse) Window(now time.Time) (time.Time, time.Time) {
	start := now.Truncate(c.window)
	return start, start.Add(c.window)
}

// Peek returns the remaining permits of a partition without taking one.
func (c *Coarse) Peek(ctx context.Context, partition string, now time.Time) (int, error) {
	budget := c.Budget(partition)
	if budget <= 0 {
		return -1, nil
	}
	start, _ := c.Window(now)
	n, err := c.store.Peek(ctx, partition, start)
	if err != nil {
		return 0, err
	}
	return max(budget-n, 0), nil
}

// Acquire takes one permit. It returns the permits left afterwards and
// whether a permit was available.
func (c *Coarse) Acquire(ctx context.Context, partition string, now time.Time) (int, bool, error) {
	budget := c.Budget(partition)
	if budget <= 0 {
		return -1, true, nil
	}
	start, _ := c.Window(now)
	n, ok, err := c.store.Acquire(ctx, partition, start, c.window, budget)
	if err != nil {
		return 0, false, err
	}
	return max(budget-n, 0), ok, nil
}
