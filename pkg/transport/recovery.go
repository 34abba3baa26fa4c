package transport

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/rhuss/dynapi/pkg/reqctx"
)

// Recovery returns the exception boundary stage. It installs t and logger
// for every WriteError beneath it and converts panics into an INTERNAL_ERROR body. The
// server keeps serving after a recovered panic.
//
// If the response header was already sent when the panic surfaced, only the
// log entry is emitted. http.ErrAbortHandler is re-raised.
func Recovery(t Translator, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(WithLogger(WithTranslator(r.Context(), t), logger))
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}

				perr := &PanicError{Value: p, Stack: debug.Stack()}
				logger.Error("panic recovered",
					"request_id", reqctx.RequestIDFromContext(r.Context()),
					"panic", p,
					"stack", string(perr.Stack),
				)
				if !sw.wroteHeader {
					WriteError(sw, r, perr)
				}
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
