package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rhuss/dynapi/pkg/audit"
)

// Fine is the per-credential, per-endpoint limiter backed by the audit log.
//
// Execution entries reach the audit log asynchronously, so Fine also keeps
// the admissions it granted itself within the trailing window. The larger
// of the two counts wins: both describe the same executions, and the local
// record covers the ones the audit log has not seen yet.
type Fine struct {
	counter audit.Counter
	window  time.Duration

	mu        sync.Mutex
	admitted  map[pair][]time.Time
	lastSweep time.Time
}

type pair struct {
	credentialID int64
	endpointID   int64
}

// NewFine creates a Fine limiter over counter.
func NewFine(counter audit.Counter, window time.Duration) *Fine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Fine{
		counter:  counter,
		window:   window,
		admitted: make(map[pair][]time.Time),
	}
}

// Take admits one execution if the limit allows it and returns how many
// remain afterwards. The admission is recorded before Take returns, so a
// concurrent or immediately following call sees it.
func (f *Fine) Take(ctx context.Context, credentialID, endpointID int64, limit int, now time.Time) (int, bool, error) {
	used, err := f.counter.CountExecutions(ctx, credentialID, endpointID, now.Add(-f.window))
	if err != nil {
		return 0, false, err
	}

	k := pair{credentialID, endpointID}

	f.mu.Lock()
	defer f.mu.Unlock()

	times := f.prune(k, now)
	if max(used, len(times)) >= limit {
		return 0, false, nil
	}
	f.admitted[k] = append(times, now)
	f.sweep(now)
	return limit - max(used, len(times)) - 1, true, nil
}

// Release withdraws an admission made by Take at the given time, for
// requests that were rejected by a later check.
func (f *Fine) Release(credentialID, endpointID int64, at time.Time) {
	k := pair{credentialID, endpointID}

	f.mu.Lock()
	defer f.mu.Unlock()

	times := f.admitted[k]
	for i := len(times) - 1; i >= 0; i-- {
		if times[i].Equal(at) {
			times = append(times[:i], times[i+1:]...)
			break
		}
	}
	if len(times) == 0 {
		delete(f.admitted, k)
		return
	}
	f.admitted[k] = times
}

// ResetAt returns when the trailing window opened at now has fully passed.
func (f *Fine) ResetAt(now time.Time) time.Time {
	return now.Add(f.window)
}

// prune drops admissions of k that fell out of the window. Callers hold f.mu.
func (f *Fine) prune(k pair, now time.Time) []time.Time {
	times := f.admitted[k]
	since := now.Add(-f.window)
	i := 0
	for i < len(times) && times[i].Before(since) {
		i++
	}
	if i == len(times) {
		delete(f.admitted, k)
		return nil
	}
	if i > 0 {
		times = times[i:]
		f.admitted[k] = times
	}
	return times
}

// sweep removes idle pairs once per window. Callers hold f.mu.
func (f *Fine) sweep(now time.Time) {
	if now.Sub(f.lastSweep) < f.window {
		return
	}
	f.lastSweep = now
	since := now.Add(-f.window)
	for k, times := range f.admitted {
		if len(times) == 0 || times[len(times)-1].Before(since) {
			delete(f.admitted, k)
		}
	}
}

