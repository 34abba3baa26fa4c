package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/debug"
	"github.com/rhuss/dynapi/pkg/observability"
	"github.com/rhuss/dynapi/pkg/reqctx"
	"github.com/rhuss/dynapi/pkg/storage"
)

// Engine authenticates requests against their target endpoint.
type Engine struct {
	endpoints catalog.EndpointStore
	registry  *Registry
	extractor *Extractor
	sink      audit.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAuditSink sets the sink that receives auth_attempt entries.
func WithAuditSink(s audit.Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithExtractor replaces the default credential extractor.
func WithExtractor(x *Extractor) EngineOption {
	return func(e *Engine) { e.extractor = x }
}

// WithClock sets the time source used for audit timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine that reads endpoints from store and dispatches
// credentials through registry.
func NewEngine(store catalog.EndpointStore, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		endpoints: store,
		registry:  registry,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.extractor == nil {
		e.extractor = NewExtractor(e.logger)
	}
	return e
}

// Registry returns the engine's validator registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Authenticate resolves endpointID and validates the credential r presents
// for it. It never returns a valid result on a fault.
func (e *Engine) Authenticate(ctx context.Context, endpointID int64, r *http.Request) Result {
	ep, err := e.endpoints.GetEndpoint(ctx, endpointID)
	switch {
	case errors.Is(err, storage.ErrNotFound), err == nil && ep == nil:
		res := notFound(endpointID)
		e.record(ctx, r, &res)
		return res
	case err != nil:
		e.logger.Error("endpoint lookup failed",
			"request_id", reqctx.RequestIDFromContext(ctx),
			"endpoint_id", endpointID,
			"error", err,
		)
		res := Deny(api.ErrorCodeInternal, "authentication failed due to an internal error")
		res.EndpointID = endpointID
		e.record(ctx, r, &res)
		return res
	case !ep.Active:
		res := notFound(endpointID)
		res.Scheme = ep.Scheme
		e.record(ctx, r, &res)
		return res
	}

	res := e.validate(ctx, ep, r)
	res.EndpointID = ep.ID
	res.Scheme = ep.Scheme
	res.Endpoint = ep
	if res.Valid {
		res.Code = ""
		res.Message = ""
	} else if res.Code == "" {
		res.Code = api.ErrorCodeUnauthorized
	}

	e.record(ctx, r, &res)
	return res
}

func (e *Engine) validate(ctx context.Context, ep *catalog.Endpoint, r *http.Request) Result {
	if ep.Scheme == catalog.SchemeNone {
		if !ep.Public {
			return Unauthorized("API requires authentication but has no authentication scheme configured")
		}
		return Allow(map[string]any{"public": true})
	}

	credential, source := e.extractor.Extract(ep.Scheme, r)
	if credential == "" {
		hint := Hint(ep.Scheme)
		res := Deny(api.ErrorCodeCredentialRequired,
			fmt.Sprintf("%s authentication required. Provide the credential as: %s", ep.Scheme, hint))
		res.Hint = hint
		return res
	}

	v, ok := e.registry.Lookup(ep.Scheme)
	if !ok {
		e.logger.Error("unsupported auth scheme",
			"endpoint_id", ep.ID, "scheme", ep.Scheme, "error", ErrUnknownScheme)
		return Deny(api.ErrorCodeInternal, fmt.Sprintf("authentication scheme %s is not supported", ep.Scheme))
	}

	debug.Log("auth", "validating credential",
		"request_id", reqctx.RequestIDFromContext(ctx),
		"endpoint_id", ep.ID, "scheme", ep.Scheme, "source", source)

	res, err := v.Validate(ctx, Request{Endpoint: ep, Credential: credential})
	if err != nil {
		e.logger.Error("credential validation failed",
			"request_id", reqctx.RequestIDFromContext(ctx),
			"endpoint_id", ep.ID,
			"scheme", ep.Scheme,
			"error", err,
		)
		return Deny(api.ErrorCodeInternal, "authentication failed due to an internal error")
	}
	return res
}

// record submits the attempt to the audit sink and metrics.
func (e *Engine) record(ctx context.Context, r *http.Request, res *Result) {
	scheme := string(res.Scheme)
	if scheme == "" {
		scheme = "unknown"
	}
	observability.AuthAttemptsTotal.WithLabelValues(scheme, outcome(res)).Inc()

	if !res.Valid {
		e.logger.Warn("authentication failed",
			"request_id", reqctx.RequestIDFromContext(ctx),
			"endpoint_id", res.EndpointID,
			"scheme", res.Scheme,
			"code", res.Code,
			"reason", res.Message,
		)
	}

	if e.sink == nil {
		return
	}

	entry := audit.Entry{
		Kind:         audit.KindAuthAttempt,
		EndpointID:   res.EndpointID,
		CredentialID: res.CredentialID,
		Scheme:       string(res.Scheme),
		Success:      res.Valid,
		ErrorMessage: res.Message,
		Timestamp:    e.now(),
	}
	if rc := reqctx.From(ctx); rc != nil {
		entry.RequestID = rc.RequestID
		entry.Environment = rc.Environment
		entry.ClientIP = rc.ClientIP
		entry.Duration = rc.Elapsed(entry.Timestamp)
	} else {
		entry.ClientIP = reqctx.ClientIP(r)
	}
	e.sink.Record(entry)
}

func notFound(endpointID int64) Result {
	res := Deny(api.ErrorCodeAPINotFound, fmt.Sprintf("API %d not found or inactive", endpointID))
	res.EndpointID = endpointID
	return res
}

func outcome(res *Result) string {
	if res.Valid {
		return "success"
	}
	switch res.Code {
	case api.ErrorCodeCredentialRequired:
		return "credential_required"
	case api.ErrorCodeAPINotFound:
		return "not_found"
	case api.ErrorCodeInternal:
		return "error"
	default:
		return "denied"
	}
}
