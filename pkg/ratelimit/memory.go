package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore. Its lifetime is the lifetime
// of the value; nothing is shared between instances.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	count    int
	windowAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

// Peek implements CounterStore.
func (s *MemoryStore) Peek(_ context.Context, key string, windowStart time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !c.windowAt.Equal(windowStart) {
		return 0, nil
	}
	return c.count, nil
}

// Acquire implements CounterStore.
func (s *MemoryStore) Acquire(_ context.Context, key string, windowStart time.Time, _ time.Duration, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		c = &counter{windowAt: windowStart}
		s.counters[key] = c
	}
	// A late request from an older window must not reset a newer one.
	if windowStart.After(c.windowAt) {
		c.count = 0
		c.windowAt = windowStart
	} else if windowStart.Before(c.windowAt) {
		return c.count, true, nil
	}

	if c.count >= limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}
