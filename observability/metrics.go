package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// activity on the vault node.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundvault",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundvault",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fundvault",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundvault",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC call. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *rpcMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}
