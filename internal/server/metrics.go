// metrics.go registers the Prometheus metrics owned by the HTTP layer.
// Retrieval metrics live in internal/metrics.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler is the "handler" label used to partition metrics by the
// logical endpoint name rather than the raw URL path.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New so that tests can inject a fresh
// prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, handler, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// httpRejectedTotal counts store requests turned away before reaching a
	// handler, by access class and reason.
	httpRejectedTotal *prometheus.CounterVec

	// storeAligned is 1 while every recall path of an open store holds one
	// entry per document, 0 once they diverge. Set by GET /api/ready.
	storeAligned *prometheus.GaugeVec
}

// newServerMetrics registers all server metrics against reg.
// promauto.With(reg) registers into the provided registry rather than the
// global default, which keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memrag",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memrag",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		httpRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memrag",
			Subsystem: "http",
			Name:      "rejected_total",
			Help:      "Store requests rejected by authentication or rate limiting.",
		}, []string{"access", "reason"}),

		storeAligned: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memrag",
			Subsystem: "store",
			Name:      "aligned",
			Help:      "1 when every recall path of the store is aligned with its documents, as of the last readiness check.",
		}, []string{"store"}),
	}
}

// rejected counts a request turned away with reason. Safe on a nil receiver.
func (m *serverMetrics) rejected(need access, reason string) {
	if m == nil {
		return
	}
	m.httpRejectedTotal.WithLabelValues(need.String(), reason).Inc()
}
