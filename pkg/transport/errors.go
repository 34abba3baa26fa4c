package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/reqctx"
	"github.com/rhuss/dynapi/pkg/storage"
)

// PanicError carries a recovered panic value and the stack it was raised on.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Translator maps errors onto the client-visible taxonomy.
type Translator struct {
	// Debug adds details.cause and details.stack to translated errors.
	// Never set it in production.
	Debug bool
}

// Translate returns the HTTP status, error code, message and details for err.
//
// An *api.APIError passes through unchanged. Expired deadlines become
// TIMEOUT and storage.ErrNotFound becomes API_NOT_FOUND. Everything else is
// INTERNAL_ERROR with a generic message.
func (t Translator) Translate(err error) (int, api.ErrorCode, string, map[string]any) {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Code.HTTPStatus(), apiErr.Code, apiErr.Message, apiErr.Details
	case errors.Is(err, context.DeadlineExceeded):
		return t.result(api.ErrorCodeTimeout, "the request timed out", err)
	case errors.Is(err, storage.ErrNotFound):
		return t.result(api.ErrorCodeAPINotFound, "API not found", err)
	default:
		return t.result(api.ErrorCodeInternal, "an internal error occurred", err)
	}
}

func (t Translator) result(code api.ErrorCode, msg string, err error) (int, api.ErrorCode, string, map[string]any) {
	var details map[string]any
	if t.Debug && err != nil {
		details = map[string]any{"cause": err.Error()}
		var pe *PanicError
		if errors.As(err, &pe) {
			details["stack"] = string(pe.Stack)
		}
	}
	return code.HTTPStatus(), code, msg, details
}

// Translate maps err with the production translator.
func Translate(err error) (int, api.ErrorCode, string, map[string]any) {
	return Translator{}.Translate(err)
}

type translatorKey struct{}

// WithTranslator stores t in ctx for WriteError.
func WithTranslator(ctx context.Context, t Translator) context.Context {
	return context.WithValue(ctx, translatorKey{}, t)
}

func translatorFrom(ctx context.Context) Translator {
	if t, ok := ctx.Value(translatorKey{}).(Translator); ok {
		return t
	}
	return Translator{}
}

type loggerKey struct{}

// WithLogger stores logger in ctx for WriteError.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WriteError translates err and writes the error body. The request ID comes
// from the request's RequestContext. Server errors are logged to the logger
// installed by Recovery.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg, details := translatorFrom(r.Context()).Translate(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(r.Context()).Error("request failed",
			"request_id", reqctx.RequestIDFromContext(r.Context()),
			"code", code,
			"error", err,
		)
	}
	WriteJSON(w, status, api.ErrorResponse{
		Error:      code,
		Message:    msg,
		StatusCode: status,
		RequestID:  reqctx.RequestIDFromContext(r.Context()),
		Timestamp:  time.Now().UTC(),
		Details:    details,
	})
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing JSON response", "error", err)
	}
}
