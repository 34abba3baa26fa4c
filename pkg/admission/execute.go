package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rhuss/dynapi/pkg/api"
	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/auth"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/reqctx"
	"github.com/rhuss/dynapi/pkg/transport"
)

// errNotAdmitted is returned when the execute handler runs without having
// passed the authentication stage.
var errNotAdmitted = errors.New("execute handler reached without an admitted request")

// ExecuteHandler runs exec for an admitted request under the endpoint
// timeout and writes an ExecutionResponse. An expired deadline is served
// as 408 TIMEOUT even when the executor ignores its context.
func ExecuteHandler(exec transport.Executor, now func() time.Time) http.Handler {
	if now == nil {
		now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := auth.ResultFromContext(r.Context())
		rc := reqctx.From(r.Context())
		if res == nil || !res.Valid || res.Endpoint == nil || rc == nil {
			transport.WriteError(w, r, errNotAdmitted)
			return
		}

		call := &transport.Call{
			Endpoint:     res.Endpoint,
			Environment:  rc.Environment,
			Parameters:   audit.ParameterMap(r),
			Scheme:       res.Scheme,
			CredentialID: res.CredentialID,
			Metadata:     rc.Metadata,
		}

		ctx := r.Context()
		timeout := res.Endpoint.Timeout
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := now()
		data, err := exec.Execute(ctx, call)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			transport.WriteError(w, r, timeoutError(res.Endpoint, timeout))
			return
		}
		if err != nil {
			transport.WriteError(w, r, err)
			return
		}

		transport.WriteJSON(w, http.StatusOK, transport.ExecutionResponse{
			Success:         true,
			Data:            data,
			Message:         "API executed successfully",
			ExecutionTimeMs: now().Sub(start).Milliseconds(),
			RequestID:       rc.RequestID,
		})
	})
}

func timeoutError(ep *catalog.Endpoint, timeout time.Duration) *api.APIError {
	return api.NewTimeoutError(fmt.Sprintf("API %d did not complete within %s", ep.ID, timeout)).
		WithDetail("timeoutSeconds", timeout.Seconds())
}

// DescribeExecutor echoes the admitted call instead of running it. It
// serves dry-run deployments that have no execution engine attached.
func DescribeExecutor() transport.Executor {
	return transport.ExecutorFunc(func(_ context.Context, call *transport.Call) (any, error) {
		out := map[string]any{
			"endpoint": map[string]any{
				"id":     call.Endpoint.ID,
				"name":   call.Endpoint.Name,
				"scheme": call.Endpoint.Scheme,
			},
			"environment": call.Environment,
			"parameters":  call.Parameters,
			"scheme":      call.Scheme,
		}
		if call.CredentialID != nil {
			out["credentialId"] = *call.CredentialID
		}
		return out, nil
	})
}
