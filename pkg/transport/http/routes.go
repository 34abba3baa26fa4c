package http

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/dynapi/pkg/admission"
	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/transport"
)

// Pinger is a dependency whose reachability is reported by the health
// routes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueReporter exposes the number of pending background jobs.
type QueueReporter interface {
	Pending() int
}

// Routes lists what the HTTP surface serves.
type Routes struct {
	Pipeline *admission.Pipeline
	Executor transport.Executor

	Endpoints   catalog.EndpointStore
	Credentials catalog.CredentialStore
	Reports     audit.Reporter
	AuditQueue  QueueReporter

	// Checks are pinged by /readyz and /api/health/detailed.
	Checks map[string]Pinger

	// AdminKeys guard /api/admin. No keys disables the admin routes.
	AdminKeys []string

	Service     string
	Version     string
	MetricsPath string

	// DisableMetrics drops the metrics route.
	DisableMetrics bool

	Clock func() time.Time
}

// NewHandler builds the route table. /api/execute runs the full admission
// pipeline. Every other route runs behind the logging, exception and
// metrics stages only.
func NewHandler(rt Routes) http.Handler {
	if rt.Clock == nil {
		rt.Clock = time.Now
	}
	if rt.Service == "" {
		rt.Service = "dynapi"
	}
	if rt.MetricsPath == "" {
		rt.MetricsPath = "/metrics"
	}
	if rt.Executor == nil {
		rt.Executor = admission.DescribeExecutor()
	}

	mux := http.NewServeMux()
	pub := rt.Pipeline.Public

	mux.Handle("GET /api/execute", rt.Pipeline.Handler(rt.Executor))

	mux.Handle("POST /api/auth/validate", pub(http.HandlerFunc(rt.handleValidate)))
	mux.Handle("GET /api/info", pub(http.HandlerFunc(rt.handleInfo)))
	mux.Handle("GET /api/available", pub(http.HandlerFunc(rt.handleAvailable)))
	mux.Handle("GET /api/health", pub(http.HandlerFunc(rt.handleHealth)))
	mux.Handle("GET /api/health/detailed", pub(http.HandlerFunc(rt.handleHealthDetailed)))
	mux.Handle("GET /healthz", http.HandlerFunc(handleLiveness))
	mux.Handle("GET /readyz", http.HandlerFunc(rt.handleReadiness))
	if !rt.DisableMetrics {
		mux.Handle("GET "+rt.MetricsPath, promhttp.Handler())
	}

	if len(rt.AdminKeys) > 0 {
		guard := newAdminGuard(rt.AdminKeys)
		admin := func(h http.HandlerFunc) http.Handler { return pub(guard.wrap(h)) }
		mux.Handle("GET /api/admin/audit/errors", admin(rt.handleAuditErrors))
		mux.Handle("GET /api/admin/audit/stats", admin(rt.handleAuditStats))
		mux.Handle("GET /api/admin/auth/failures", admin(rt.handleAuthFailures))
		mux.Handle("GET /api/admin/auth/health", admin(rt.handleAuthHealth))
	}

	mux.Handle("/", pub(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, api.NewNotFoundError("no route for "+r.Method+" "+r.URL.Path))
	})))

	return mux
}
