package reqctx

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
)

// Environment tags accepted in the "environment" query parameter.
const (
	EnvironmentTest       = "TEST"
	EnvironmentProduction = "PRODUCTION"
)

// SchemeNone is the scheme recorded until authentication resolves one.
const SchemeNone = "NONE"

// ErrAlreadySet is returned when a write-once field is assigned a second,
// different value.
var ErrAlreadySet = errors.New("request context field already set")

// RequestContext is the mutable per-request record.
type RequestContext struct {
	RequestID   string
	StartTime   time.Time
	ClientIP    string
	Environment string

	// Metadata carries scheme-specific claims copied from the validation result.
	Metadata map[string]any

	endpointID   *int64
	credentialID *int64
	scheme       string
	schemeSet    bool
}

// New opens a RequestContext for r with a fresh request identifier.
func New(r *http.Request, now time.Time) *RequestContext {
	env := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("environment")))
	if env == "" {
		env = EnvironmentProduction
	}
	return &RequestContext{
		RequestID:   api.NewRequestID(),
		StartTime:   now,
		ClientIP:    ClientIP(r),
		Environment: env,
		Metadata:    make(map[string]any),
		scheme:      SchemeNone,
	}
}

// EndpointID returns the resolved endpoint, if any.
func (rc *RequestContext) EndpointID() (int64, bool) {
	if rc.endpointID == nil {
		return 0, false
	}
	return *rc.endpointID, true
}

// SetEndpoint records the target endpoint. Once set it cannot change.
func (rc *RequestContext) SetEndpoint(id int64) error {
	if rc.endpointID != nil {
		if *rc.endpointID == id {
			return nil
		}
		return ErrAlreadySet
	}
	rc.endpointID = &id
	return nil
}

// CredentialID returns the resolved credential, if any.
func (rc *RequestContext) CredentialID() (int64, bool) {
	if rc.credentialID == nil {
		return 0, false
	}
	return *rc.credentialID, true
}

// SetCredential records the credential that authenticated the request.
func (rc *RequestContext) SetCredential(id int64) {
	rc.credentialID = &id
}

// Scheme returns the resolved scheme name, "NONE" until resolved.
func (rc *RequestContext) Scheme() string {
	return rc.scheme
}

// SetScheme records the resolved scheme. Once set it cannot change.
func (rc *RequestContext) SetScheme(scheme string) error {
	if rc.schemeSet {
		if rc.scheme == scheme {
			return nil
		}
		return ErrAlreadySet
	}
	rc.scheme = scheme
	rc.schemeSet = true
	return nil
}

// MergeMetadata copies md into the metadata bag, overwriting equal keys.
func (rc *RequestContext) MergeMetadata(md map[string]any) {
	if rc.Metadata == nil {
		rc.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		rc.Metadata[k] = v
	}
}

// Elapsed returns the time since the request was opened.
func (rc *RequestContext) Elapsed(now time.Time) time.Duration {
	return now.Sub(rc.StartTime)
}

// ValidEnvironment reports whether the requested environment tag is known.
func (rc *RequestContext) ValidEnvironment() bool {
	return rc.Environment == EnvironmentTest || rc.Environment == EnvironmentProduction
}

// ClientIP returns the caller address: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// contextKey is a private type for the request context key.
type contextKey struct{}

// With stores rc in ctx.
func With(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// From retrieves the RequestContext stored in ctx, or nil.
func From(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(contextKey{}).(*RequestContext); ok {
		return rc
	}
	return nil
}

// RequestIDFromContext returns the request identifier, or "" when no
// RequestContext is present.
func RequestIDFromContext(ctx context.Context) string {
	if rc := From(ctx); rc != nil {
		return rc.RequestID
	}
	return ""
}
