package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rhuss/dynapi/pkg/reqctx"
)

// MetricsMiddleware records request count and duration once the inner
// stages have produced a response.
//
// It captures:
//   - dynapi_requests_total (counter): method, status class, and resolved scheme
//   - dynapi_request_duration_seconds (histogram): method and resolved scheme
//
// The scheme label is read after the inner stages run, so it reflects the
// scheme authentication resolved ("NONE" when it never got that far).
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			scheme := reqctx.SchemeNone
			if rc := reqctx.From(r.Context()); rc != nil {
				scheme = rc.Scheme()
			}

			p := recover()
			status := sw.status
			if p != nil {
				status = http.StatusInternalServerError
			}

			statusStr := strconv.Itoa(status/100) + "xx"
			RequestsTotal.WithLabelValues(r.Method, statusStr, scheme).Inc()
			RequestDuration.WithLabelValues(r.Method, scheme).Observe(time.Since(start).Seconds())

			// The exception boundary further out answers the request.
			if p != nil {
				panic(p)
			}
		}()

		next.ServeHTTP(sw, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

// WriteHeader captures the status code and delegates to the underlying writer.
func (w *statusWriter) WriteHeader(status int) {
	if !w.written {
		w.status = status
		w.written = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// Write delegates to the underlying writer and marks the status as written.
func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter, enabling http.ResponseController
// and similar utilities to access the original writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
