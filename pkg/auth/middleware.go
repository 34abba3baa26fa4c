package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/reqctx"
	"github.com/rhuss/dynapi/pkg/transport"
)

// DefaultBypassPaths lists paths that skip authentication. A path also
// covers everything beneath it. Admin routes carry their own guard.
var DefaultBypassPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/api/info",
	"/api/health",
	"/api/available",
	"/api/admin",
}

// Bypassed reports whether path is covered by one of the bypass paths.
func Bypassed(path string, bypass []string) bool {
	for _, p := range bypass {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// Middleware returns the authentication stage. It reads the target
// endpoint from the idApi query parameter, checks the environment tag,
// runs the engine, and records the outcome on the RequestContext. Denials
// are written with the translated error body.
func Middleware(engine *Engine, bypass []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Bypassed(r.URL.Path, bypass) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			rc := reqctx.From(ctx)
			if rc == nil {
				rc = reqctx.New(r, time.Now())
				ctx = reqctx.With(ctx, rc)
				r = r.WithContext(ctx)
			}

			endpointID, apiErr := ParseEndpointID(r)
			if apiErr != nil {
				transport.WriteError(w, r, apiErr)
				return
			}
			if err := rc.SetEndpoint(endpointID); err != nil {
				transport.WriteError(w, r, api.NewInvalidRequestError("conflicting idApi for this request"))
				return
			}
			if !rc.ValidEnvironment() {
				transport.WriteError(w, r, api.NewInvalidRequestError(
					"environment must be TEST or PRODUCTION"))
				return
			}

			res := engine.Authenticate(ctx, endpointID, r)
			if res.Scheme != "" {
				_ = rc.SetScheme(string(res.Scheme))
			}
			if !res.Valid {
				transport.WriteError(w, r, res.APIError())
				return
			}

			if res.CredentialID != nil {
				rc.SetCredential(*res.CredentialID)
			}
			rc.MergeMetadata(res.Metadata)

			next.ServeHTTP(w, r.WithContext(WithResult(ctx, &res)))
		})
	}
}

// ParseEndpointID reads the endpoint id from the idApi query parameter.
func ParseEndpointID(r *http.Request) (int64, *api.APIError) {
	raw := strings.TrimSpace(r.URL.Query().Get("idApi"))
	if raw == "" {
		return 0, api.NewInvalidRequestError("idApi parameter is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, api.NewInvalidRequestError("idApi must be a positive integer")
	}
	return id, nil
}
