package audit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rhuss/dynapi/pkg/reqctx"
)

// Sink accepts entries without blocking. *Recorder implements it.
type Sink interface {
	Record(e Entry)
}

// Query parameters never copied into the audit log: endpoint selectors and
// the query credential carriers.
var systemParams = map[string]bool{
	"idApi":       true,
	"environment": true,
	"token":       true,
	"apikey":      true,
	"key":         true,
	"auth":        true,
}

// auditResponseWriter captures the status code of the response.
type auditResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *auditResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records one execution entry per request once the inner chain
// returns, including short-circuited and panicking requests. Requests whose
// endpoint was never resolved are not recorded.
func Middleware(sink Sink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			aw := &auditResponseWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				p := recover()
				status := aw.status
				if p != nil {
					status = http.StatusInternalServerError
				}
				if e, ok := ExecutionEntry(r, status, time.Now()); ok {
					sink.Record(e)
				}
				if p != nil {
					panic(p)
				}
			}()

			next.ServeHTTP(aw, r)
		})
	}
}

// ExecutionEntry builds the execution entry for a finished request. It
// returns false when the request carries no RequestContext or no endpoint.
func ExecutionEntry(r *http.Request, status int, now time.Time) (Entry, bool) {
	rc := reqctx.From(r.Context())
	if rc == nil {
		return Entry{}, false
	}
	endpointID, ok := rc.EndpointID()
	if !ok {
		return Entry{}, false
	}

	e := Entry{
		Kind:        KindExecution,
		RequestID:   rc.RequestID,
		EndpointID:  endpointID,
		Scheme:      rc.Scheme(),
		Environment: rc.Environment,
		Parameters:  Parameters(r),
		Success:     status >= 200 && status < 300,
		StatusCode:  status,
		RateLimited: status == http.StatusTooManyRequests,
		Duration:    rc.Elapsed(now),
		ClientIP:    rc.ClientIP,
		Timestamp:   now,
	}
	if id, ok := rc.CredentialID(); ok {
		e.CredentialID = &id
	}
	if !e.Success {
		e.ErrorMessage = fmt.Sprintf("HTTP %d", status)
	}
	return e, true
}

// ParameterMap returns the query parameters that are passed through to the
// endpoint. System parameters are dropped and repeated parameters keep their
// first value.
func ParameterMap(r *http.Request) map[string]string {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if systemParams[k] || len(v) == 0 {
			continue
		}
		params[k] = v[0]
	}
	return params
}

// Parameters serializes ParameterMap as a JSON object.
func Parameters(r *http.Request) string {
	params := ParameterMap(r)
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(data)
}
