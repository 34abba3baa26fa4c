package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/dynapi/pkg/debug"
	"github.com/rhuss/dynapi/pkg/reqctx"
)

// Logging returns the outermost stage. It opens the RequestContext with a
// fresh request ID, echoes the ID in the X-Request-ID response header, and
// emits one structured log entry per request with status and duration.
//
// A client-supplied X-Request-ID is logged as client_request_id but never
// adopted.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := reqctx.New(r, time.Now())
			w.Header().Set("X-Request-ID", rc.RequestID)

			debug.Log("transport", "request started",
				"request_id", rc.RequestID, "method", r.Method, "path", r.URL.Path)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				attrs := []slog.Attr{
					slog.String("request_id", rc.RequestID),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", sw.status),
					slog.Duration("duration", rc.Elapsed(time.Now())),
					slog.String("client_ip", rc.ClientIP),
					slog.String("scheme", rc.Scheme()),
				}
				if id, ok := rc.EndpointID(); ok {
					attrs = append(attrs, slog.Int64("endpoint_id", id))
				}
				if clientID := r.Header.Get("X-Request-ID"); clientID != "" {
					attrs = append(attrs, slog.String("client_request_id", clientID))
				}

				level := slog.LevelInfo
				if sw.status >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				logger.LogAttrs(r.Context(), level, "request completed", attrs...)
			}()

			next.ServeHTTP(sw, r.WithContext(reqctx.With(r.Context(), rc)))
		})
	}
}
