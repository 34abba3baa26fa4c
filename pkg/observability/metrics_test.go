package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/rhuss/dynapi/pkg/reqctx"
)

// TestMetricsRegistered verifies that all metrics are registered in the
// default registry without panicking.
func TestMetricsRegistered(t *testing.T) {
	// Vectors only appear after a first observation, so seed them.
	RequestsTotal.WithLabelValues("GET", "2xx", "NONE").Inc()
	RequestDuration.WithLabelValues("GET", "NONE").Observe(0.1)
	AuthAttemptsTotal.WithLabelValues("APIKEY", "success").Inc()
	RateLimitRejectedTotal.WithLabelValues("coarse", "token").Inc()
	AuditFailuresTotal.WithLabelValues("execution").Inc()
	IntrospectionRequestsTotal.WithLabelValues("active").Inc()
	IntrospectionLatency.Observe(0.02)
	CircuitBreakerTransitionsTotal.WithLabelValues("oauth2", "closed", "open").Inc()

	expected := map[string]bool{
		"dynapi_requests_total":                       false,
		"dynapi_request_duration_seconds":             false,
		"dynapi_auth_attempts_total":                  false,
		"dynapi_ratelimit_rejected_total":             false,
		"dynapi_audit_queue_depth":                    false,
		"dynapi_audit_failures_total":                 false,
		"dynapi_oauth2_introspection_total":           false,
		"dynapi_oauth2_introspection_latency_seconds": false,
		"dynapi_circuit_breaker_transitions_total":    false,
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not found in default registry", name)
		}
	}
}

// TestMiddlewareRecordsRequestCount verifies that the middleware increments
// the request counter for each served request.
func TestMiddlewareRecordsRequestCount(t *testing.T) {
	before := counterValue(t, RequestsTotal, "GET", "2xx", "NONE")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/execute?idApi=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	after := counterValue(t, RequestsTotal, "GET", "2xx", "NONE")
	if after-before != 1 {
		t.Errorf("expected request count to increase by 1, got delta=%f", after-before)
	}
}

// TestMiddlewareUsesResolvedScheme verifies that the scheme label reflects
// what the inner stages resolved.
func TestMiddlewareUsesResolvedScheme(t *testing.T) {
	before := counterValue(t, RequestsTotal, "GET", "2xx", "JWT")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqctx.From(r.Context()).SetScheme("JWT")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/execute?idApi=1", nil)
	req = req.WithContext(reqctx.With(req.Context(), reqctx.New(req, time.Now())))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := counterValue(t, RequestsTotal, "GET", "2xx", "JWT")
	if after-before != 1 {
		t.Errorf("expected JWT count to increase by 1, got delta=%f", after-before)
	}
}

// TestMiddlewareRecordsDuration verifies that the middleware records
// a positive request duration observation.
func TestMiddlewareRecordsDuration(t *testing.T) {
	before := histogramCount(t, RequestDuration, "POST", "NONE")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/execute", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	after := histogramCount(t, RequestDuration, "POST", "NONE")
	if after-before != 1 {
		t.Errorf("expected histogram sample count to increase by 1, got delta=%d", after-before)
	}
}

// TestMiddlewareCapturesStatusCode verifies that non-200 status codes are
// captured correctly in the status label.
func TestMiddlewareCapturesStatusCode(t *testing.T) {
	before := counterValue(t, RequestsTotal, "GET", "4xx", "NONE")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	req := httptest.NewRequest("GET", "/api/execute", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	after := counterValue(t, RequestsTotal, "GET", "4xx", "NONE")
	if after-before != 1 {
		t.Errorf("expected 4xx count to increase by 1, got delta=%f", after-before)
	}
}

// TestMiddlewareCountsPanicAsServerError verifies that a panic is counted
// as a 5xx and still propagates to the caller.
func TestMiddlewareCountsPanicAsServerError(t *testing.T) {
	before := counterValue(t, RequestsTotal, "DELETE", "5xx", "NONE")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/", nil))
	}()

	after := counterValue(t, RequestsTotal, "DELETE", "5xx", "NONE")
	if after-before != 1 {
		t.Errorf("expected 5xx count to increase by 1, got delta=%f", after-before)
	}
}

// counterValue reads the current value of a CounterVec for the given labels.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := cv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting counter metric: %v", err)
	}
	if err := c.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing counter metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

// histogramCount reads the observation count from a HistogramVec.
func histogramCount(t *testing.T, hv *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	obs, err := hv.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("getting histogram metric: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("writing histogram metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}
