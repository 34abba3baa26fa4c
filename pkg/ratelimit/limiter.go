package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/debug"
	"github.com/rhuss/dynapi/pkg/reqctx"
)

// Toucher records credential usage off the request path.
type Toucher interface {
	TouchUsage(credentialID int64, at time.Time)
}

// Config configures a Limiter.
type Config struct {
	Window  time.Duration
	Budgets map[string]int
}

// Limiter combines the coarse and fine layers.
type Limiter struct {
	coarse  *Coarse
	fine    *Fine
	toucher Toucher
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithToucher sets where usage updates of admitted credentials go.
func WithToucher(t Toucher) Option {
	return func(l *Limiter) { l.toucher = t }
}

// WithLogger sets the limiter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter. A nil counter disables the fine layer.
func New(store CounterStore, counter audit.Counter, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		coarse: NewCoarse(store, cfg.Budgets, cfg.Window),
		logger: slog.Default(),
		now:    time.Now,
	}
	if counter != nil {
		l.fine = NewFine(counter, cfg.Window)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check decides whether s may proceed. The coarse layer is peeked first,
// then the fine layer takes its slot, and only then is a coarse permit
// taken. A fine slot is given back when the coarse permit is refused.
// Store and count failures let the request through.
func (l *Limiter) Check(ctx context.Context, s Subject) Decision {
	now := l.now()
	partition := Partition(s.Scheme)
	_, coarseReset := l.coarse.Window(now)

	d := Decision{Allowed: true, Partition: partition, Remaining: -1}

	coarseOK := true
	remaining, err := l.coarse.Peek(ctx, partition, now)
	switch {
	case err != nil:
		coarseOK = false
		l.warn(ctx, "coarse counter unavailable, allowing request", s, err)
	case remaining == 0:
		return l.reject(ctx, d, LayerCoarse, coarseReset)
	}

	fineRemaining := -1
	fineTaken := false
	if l.fine != nil && s.CredentialID != nil && s.LimitPerMinute > 0 {
		fr, ok, err := l.fine.Take(ctx, *s.CredentialID, s.EndpointID, s.LimitPerMinute, now)
		switch {
		case err != nil:
			l.warn(ctx, "execution count unavailable, allowing request", s, err)
		case !ok:
			return l.reject(ctx, d, LayerFine, l.fine.ResetAt(now))
		default:
			fineRemaining = fr
			fineTaken = true
			d.ResetAt = l.fine.ResetAt(now)
		}
	}

	coarseRemaining := -1
	if coarseOK {
		left, ok, err := l.coarse.Acquire(ctx, partition, now)
		switch {
		case err != nil:
			l.warn(ctx, "coarse counter unavailable, allowing request", s, err)
		case !ok:
			if fineTaken {
				l.fine.Release(*s.CredentialID, s.EndpointID, now)
			}
			return l.reject(ctx, d, LayerCoarse, coarseReset)
		default:
			coarseRemaining = left
		}
	}

	switch {
	case coarseRemaining >= 0 && (fineRemaining < 0 || coarseRemaining < fineRemaining):
		d.Remaining = coarseRemaining
		d.ResetAt = coarseReset
	case fineRemaining >= 0:
		d.Remaining = fineRemaining
	}

	if s.CredentialID != nil && l.toucher != nil {
		l.toucher.TouchUsage(*s.CredentialID, now)
	}

	debug.Log("ratelimit", "admitted",
		"request_id", reqctx.RequestIDFromContext(ctx),
		"endpoint_id", s.EndpointID,
		"partition", partition,
		"remaining", d.Remaining,
	)
	return d
}

func (l *Limiter) reject(ctx context.Context, d Decision, layer Layer, resetAt time.Time) Decision {
	d.Allowed = false
	d.Layer = layer
	d.Remaining = 0
	d.ResetAt = resetAt
	debug.Log("ratelimit", "rejected",
		"request_id", reqctx.RequestIDFromContext(ctx),
		"layer", layer,
		"partition", d.Partition,
	)
	return d
}

func (l *Limiter) warn(ctx context.Context, msg string, s Subject, err error) {
	l.logger.Warn(msg,
		"request_id", reqctx.RequestIDFromContext(ctx),
		"endpoint_id", s.EndpointID,
		"scheme", s.Scheme,
		"error", err,
	)
}
