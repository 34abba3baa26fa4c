// Package observability provides Prometheus metrics and the metrics stage
// of the admission pipeline.
package observability

import "github.com/prometheus/client_golang/prometheus"

// GatewayBuckets spans admission overhead plus short database routines,
// from 5ms to 30s.
var GatewayBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// RequestsTotal counts completed requests by method, status class, and scheme.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynapi_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "scheme"},
	)

	// RequestDuration records request duration in seconds by scheme.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dynapi_request_duration_seconds",
			Help:    "Request duration",
			Buckets: GatewayBuckets,
		},
		[]string{"method", "scheme"},
	)

	// AuthAttemptsTotal counts authentication attempts by scheme and outcome.
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynapi_auth_attempts_total",
			Help: "Authentication attempts",
		},
		[]string{"scheme", "outcome"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynapi_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"layer", "partition"},
	)

	// AuditQueueDepth tracks jobs waiting in the audit queue.
	AuditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynapi_audit_queue_depth",
			Help: "Pending audit jobs",
		},
	)

	// AuditFailuresTotal counts audit jobs that could not be written.
	AuditFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynapi_audit_failures_total",
			Help: "Failed audit writes",
		},
		[]string{"kind"},
	)

	// IntrospectionRequestsTotal counts OAuth2 introspection calls by outcome.
	IntrospectionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynapi_oauth2_introspection_total",
			Help: "OAuth2 introspection calls",
		},
		[]string{"outcome"},
	)

	// IntrospectionLatency records OAuth2 introspection latency in seconds.
	IntrospectionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dynapi_oauth2_introspection_latency_seconds",
			Help:    "OAuth2 introspection latency",
			Buckets: GatewayBuckets,
		},
	)

	// CircuitBreakerTransitionsTotal counts breaker state changes.
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynapi_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AuthAttemptsTotal,
		RateLimitRejectedTotal,
		AuditQueueDepth,
		AuditFailuresTotal,
		IntrospectionRequestsTotal,
		IntrospectionLatency,
		CircuitBreakerTransitionsTotal,
	)
}
