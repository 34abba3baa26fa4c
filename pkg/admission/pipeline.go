package admission

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/observability"
	"github.com/rhuss/dynapi/pkg/ratelimit"
	"github.com/rhuss/dynapi/pkg/transport"
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Endpoints   catalog.EndpointStore
	Credentials catalog.CredentialStore

	// Audit receives execution and authentication entries. Nil disables
	// the audit stage.
	Audit audit.Sink

	// Limiter runs the rate limit stage. Nil disables it.
	Limiter *ratelimit.Limiter

	// Registry overrides the default scheme registry.
	Registry *auth.Registry
	OAuth2   OAuth2Options

	// Bypass lists paths that skip authentication and rate limiting.
	// Default: auth.DefaultBypassPaths.
	Bypass []string

	// Debug adds error causes and stacks to error bodies.
	Debug bool

	Logger *slog.Logger
	Clock  func() time.Time
}

// Pipeline is the assembled admission chain.
type Pipeline struct {
	engine  *auth.Engine
	chain   transport.Middleware
	public  transport.Middleware
	metrics bool
	deps    Deps
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithoutMetrics drops the metrics stage.
func WithoutMetrics() Option {
	return func(p *Pipeline) { p.metrics = false }
}

// New assembles the pipeline. Stages run outermost first: logging,
// exception boundary, metrics, audit, authentication, rate limiting.
func New(d Deps, opts ...Option) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Bypass == nil {
		d.Bypass = auth.DefaultBypassPaths
	}
	if d.Registry == nil {
		d.Registry = NewRegistry(d.Credentials, d.OAuth2, d.Logger, d.Clock)
	}

	p := &Pipeline{metrics: true, deps: d}
	for _, opt := range opts {
		opt(p)
	}

	engineOpts := []auth.EngineOption{auth.WithLogger(d.Logger), auth.WithClock(d.Clock)}
	if d.Audit != nil {
		engineOpts = append(engineOpts, auth.WithAuditSink(d.Audit))
	}
	p.engine = auth.NewEngine(d.Endpoints, d.Registry, engineOpts...)

	stages := []transport.Middleware{
		transport.Logging(d.Logger),
		transport.Recovery(transport.Translator{Debug: d.Debug}, d.Logger),
	}
	if p.metrics {
		stages = append(stages, observability.MetricsMiddleware)
	}
	p.public = transport.Chain(slices.Clone(stages)...)

	if d.Audit != nil {
		stages = append(stages, audit.Middleware(d.Audit))
	}
	stages = append(stages, auth.Middleware(p.engine, d.Bypass))
	if d.Limiter != nil {
		stages = append(stages, ratelimit.Middleware(d.Limiter))
	}
	p.chain = transport.Chain(stages...)
	return p
}

// Engine returns the authentication engine.
func (p *Pipeline) Engine() *auth.Engine {
	return p.engine
}

// Wrap puts h behind every stage. Requests on bypass paths reach h
// without authentication.
func (p *Pipeline) Wrap(h http.Handler) http.Handler {
	return p.chain(h)
}

// Public puts h behind the logging, exception and metrics stages only.
// It serves routes that are not endpoint executions.
func (p *Pipeline) Public(h http.Handler) http.Handler {
	return p.public(h)
}

// Handler returns the execute endpoint: the full pipeline in front of exec.
func (p *Pipeline) Handler(exec transport.Executor) http.Handler {
	return p.Wrap(ExecuteHandler(exec, p.deps.Clock))
}
