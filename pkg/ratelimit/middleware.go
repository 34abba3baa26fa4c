package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/observability"
	"github.com/rhuss/dynapi/pkg/transport"
)

// Middleware returns the rate limit stage. Requests without an admitted
// authentication result pass through untouched.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := auth.ResultFromContext(r.Context())
			if res == nil || !res.Valid {
				next.ServeHTTP(w, r)
				return
			}

			d := l.Check(r.Context(), SubjectFromResult(res))
			res.Remaining = d.Remaining
			res.ResetAt = d.ResetAt
			setHeaders(w, d, l.now())

			if !d.Allowed {
				res.RateLimitExceeded = true
				observability.RateLimitRejectedTotal.WithLabelValues(string(d.Layer), d.Partition).Inc()
				transport.WriteError(w, r, api.NewTooManyRequestsError("rate limit exceeded").
					WithDetail("resetAt", d.ResetAt.UTC().Format(time.RFC3339)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, d Decision, now time.Time) {
	if d.Remaining < 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed {
		retry := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
		h.Set("Retry-After", strconv.Itoa(max(retry, 1)))
	}
}
