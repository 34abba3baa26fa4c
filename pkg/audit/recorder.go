package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/dynapi/pkg/debug"
	"github.com/rhuss/dynapi/pkg/observability"
)

// ErrClosed is returned by Flush on a closed recorder.
var ErrClosed = errors.New("audit recorder closed")

// Config contains configuration for the recorder.
type Config struct {
	// WriteTimeout bounds each store write.
	// Default: 5 seconds
	WriteTimeout time.Duration

	// Logger receives write failures. Default: slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// job is one unit of background work.
type job struct {
	entry *Entry
	touch *touchJob
}

type touchJob struct {
	credentialID int64
	at           time.Time
}

// Recorder writes audit entries and usage touches on a background worker.
//
// The queue is unbounded: Record and TouchUsage append under a mutex and
// return immediately. Failed writes are logged and dropped.
type Recorder struct {
	store   Store
	toucher UsageToucher
	config  Config
	logger  *slog.Logger

	mu       sync.Mutex
	queue    []job
	inflight int
	closed   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewRecorder starts a recorder writing entries to store. toucher may be nil,
// in which case usage touches are discarded.
func NewRecorder(store Store, toucher UsageToucher, cfg Config) *Recorder {
	cfg.applyDefaults()

	r := &Recorder{
		store:   store,
		toucher: toucher,
		config:  cfg,
		logger:  cfg.Logger.With("component", "audit.recorder"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.worker()

	return r
}

// Record enqueues an entry. It never blocks on the store.
func (r *Recorder) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	r.enqueue(job{entry: &e})
}

// TouchUsage enqueues a usage update for a credential.
func (r *Recorder) TouchUsage(credentialID int64, at time.Time) {
	if r.toucher == nil {
		return
	}
	r.enqueue(job{touch: &touchJob{credentialID: credentialID, at: at}})
}

func (r *Recorder) enqueue(j job) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("recorder closed, dropping audit job", "kind", j.kind())
		observability.AuditFailuresTotal.WithLabelValues(j.kind()).Inc()
		return
	}
	r.queue = append(r.queue, j)
	depth := len(r.queue)
	r.mu.Unlock()

	observability.AuditQueueDepth.Set(float64(depth))

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued plus in-flight jobs.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) + r.inflight
}

// Flush waits until every job submitted before the call has been written or
// dropped, or until ctx is done.
func (r *Recorder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			r.wg.Wait()
			if r.Pending() == 0 {
				return nil
			}
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// Close stops accepting jobs, drains the queue, and waits for the worker.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.logger.Info("shutting down audit recorder", "pending", r.Pending())
	close(r.done)
	r.wg.Wait()
	r.logger.Info("audit recorder shut down complete")
	return nil
}

// worker drains the queue until Close.
func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		r.drain()

		select {
		case <-r.wake:
		case <-r.done:
			r.drain()
			return
		}
	}
}

// drain writes every queued job, batch by batch.
func (r *Recorder) drain() {
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.inflight = len(batch)
		r.mu.Unlock()

		observability.AuditQueueDepth.Set(0)

		if len(batch) == 0 {
			return
		}

		for _, j := range batch {
			r.write(j)
			r.mu.Lock()
			r.inflight--
			r.mu.Unlock()
		}
	}
}

// write performs one job with its own timeout. Panics in the store are
// contained so the worker survives.
func (r *Recorder) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("audit store panicked", "kind", j.kind(), "panic", p)
			observability.AuditFailuresTotal.WithLabelValues(j.kind()).Inc()
		}
	}()

	var err error
	switch {
	case j.entry != nil:
		err = r.store.Append(ctx, *j.entry)
		if err == nil {
			debug.Log("audit", "entry written",
				"kind", j.entry.Kind, "request_id", j.entry.RequestID, "endpoint_id", j.entry.EndpointID)
		}
	case j.touch != nil:
		err = r.toucher.TouchUsage(ctx, j.touch.credentialID, j.touch.at)
	}

	if err != nil {
		attrs := []any{"kind", j.kind(), "error", err}
		if j.entry != nil {
			attrs = append(attrs, "request_id", j.entry.RequestID, "endpoint_id", j.entry.EndpointID)
		}
		if j.touch != nil {
			attrs = append(attrs, "credential_id", j.touch.credentialID)
		}
		r.logger.Error("audit write failed", attrs...)
		observability.AuditFailuresTotal.WithLabelValues(j.kind()).Inc()
	}
}

func (j job) kind() string {
	if j.entry != nil {
		return string(j.entry.Kind)
	}
	return "usage_touch"
}
