package http

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/rhuss/dynapi/pkg/transport"
)

const pingTimeout = 2 * time.Second

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

type healthResponse struct {
	Status          string                 `json:"status"`
	Timestamp       time.Time              `json:"timestamp"`
	Checks          map[string]checkResult `json:"checks,omitempty"`
	AuditQueueDepth *int                   `json:"auditQueueDepth,omitempty"`
}

func handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (rt *Routes) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if _, ok := rt.runChecks(r.Context()); !ok {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (rt *Routes) handleHealth(w http.ResponseWriter, _ *http.Request) {
	transport.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    statusHealthy,
		Timestamp: rt.Clock().UTC(),
	})
}

func (rt *Routes) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks, ok := rt.runChecks(r.Context())
	resp := healthResponse{
		Status:    statusHealthy,
		Timestamp: rt.Clock().UTC(),
		Checks:    checks,
	}
	if rt.AuditQueue != nil {
		depth := rt.AuditQueue.Pending()
		resp.AuditQueueDepth = &depth
	}
	status := http.StatusOK
	if !ok {
		resp.Status = statusUnhealthy
		status = http.StatusServiceUnavailable
	}
	transport.WriteJSON(w, status, resp)
}

// runChecks pings every dependency in name order.
func (rt *Routes) runChecks(ctx context.Context) (map[string]checkResult, bool) {
	results := make(map[string]checkResult, len(rt.Checks))
	healthy := true
	for _, name := range slices.Sorted(maps.Keys(rt.Checks)) {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		start := time.Now()
		err := rt.Checks[name].Ping(pctx)
		cancel()

		res := checkResult{Status: statusHealthy, LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			healthy = false
			res.Status = statusUnhealthy
			res.Error = err.Error()
		}
		results[name] = res
	}
	return results, healthy
}
