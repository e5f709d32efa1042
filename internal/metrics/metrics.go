// Package metrics registers the Prometheus collectors for the retrieval
// pipeline: backend calls (embedding and rerank), store searches, removals
// and document counts. Collectors are registered against a caller-supplied
// registry so tests stay hermetic.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/memrag/internal/memory"
	"github.com/54b3r/memrag/internal/rag"
)

const namespace = "memrag"

// Outcome label values for backend calls.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Metrics holds every pipeline collector.
type Metrics struct {
	// embedRequestsTotal counts Embed calls by recall method and outcome.
	embedRequestsTotal *prometheus.CounterVec

	// embedTextsTotal counts texts sent to embedding backends.
	embedTextsTotal *prometheus.CounterVec

	// embedDurationSeconds records Embed latency.
	embedDurationSeconds *prometheus.HistogramVec

	// rerankRequestsTotal counts Rerank calls by outcome.
	rerankRequestsTotal *prometheus.CounterVec

	// rerankDurationSeconds records Rerank latency.
	rerankDurationSeconds prometheus.Histogram

	// searchesTotal counts store searches by outcome (see memory.Outcome*).
	searchesTotal *prometheus.CounterVec

	// searchDurationSeconds records store search latency.
	searchDurationSeconds *prometheus.HistogramVec

	// removedTotal counts documents removed by query.
	removedTotal *prometheus.CounterVec

	// documents is the current document count per store.
	documents *prometheus.GaugeVec
}

// compile-time interface check
var _ memory.Observer = (*Metrics)(nil)

// New registers all collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		embedRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embed",
			Name:      "requests_total",
			Help:      "Embedding backend calls, partitioned by recall method and outcome.",
		}, []string{"method", "outcome"}),

		embedTextsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embed",
			Name:      "texts_total",
			Help:      "Texts sent to embedding backends, partitioned by recall method.",
		}, []string{"method"}),

		embedDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "embed",
			Name:      "duration_seconds",
			Help:      "Latency of embedding backend calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		rerankRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "requests_total",
			Help:      "Rerank backend calls, partitioned by outcome.",
		}, []string{"outcome"}),

		rerankDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rerank",
			Name:      "duration_seconds",
			Help:      "Latency of rerank backend calls.",
			Buckets:   prometheus.DefBuckets,
		}),

		searchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "searches_total",
			Help:      "Store searches, partitioned by store and outcome (ok, error, timeout, canceled).",
		}, []string{"store", "outcome"}),

		searchDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "search_duration_seconds",
			Help:      "Wall-clock duration of store searches, timeouts included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"store"}),

		removedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "removed_total",
			Help:      "Documents removed by query, partitioned by store.",
		}, []string{"store"}),

		documents: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "documents",
			Help:      "Documents currently held, partitioned by store.",
		}, []string{"store"}),
	}
}

// ObserveSearch implements memory.Observer.
func (m *Metrics) ObserveSearch(store, outcome string, elapsed time.Duration, _ int) {
	m.searchesTotal.WithLabelValues(store, outcome).Inc()
	m.searchDurationSeconds.WithLabelValues(store).Observe(elapsed.Seconds())
}

// ObserveRemove implements memory.Observer.
func (m *Metrics) ObserveRemove(store string, removed int) {
	m.removedTotal.WithLabelValues(store).Add(float64(removed))
}

// ObserveDocuments implements memory.Observer.
func (m *Metrics) ObserveDocuments(store string, n int) {
	m.documents.WithLabelValues(store).Set(float64(n))
}

// Embedder returns next instrumented under the given recall method label.
func (m *Metrics) Embedder(method string, next rag.Embedder) rag.Embedder {
	return &instrumentedEmbedder{m: m, method: method, next: next}
}

// Reranker returns next instrumented.
func (m *Metrics) Reranker(next rag.Reranker) rag.Reranker {
	return &instrumentedReranker{m: m, next: next}
}

type instrumentedEmbedder struct {
	m      *Metrics
	method string
	next   rag.Embedder
}

func (e *instrumentedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	out, err := e.next.Embed(ctx, texts)
	e.m.embedDurationSeconds.WithLabelValues(e.method).Observe(time.Since(start).Seconds())
	e.m.embedTextsTotal.WithLabelValues(e.method).Add(float64(len(texts)))
	e.m.embedRequestsTotal.WithLabelValues(e.method, outcome(err)).Inc()
	return out, err
}

type instrumentedReranker struct {
	m    *Metrics
	next rag.Reranker
}

func (r *instrumentedReranker) Rerank(ctx context.Context, docs []string, query string, k int) ([]string, error) {
	start := time.Now()
	out, err := r.next.Rerank(ctx, docs, query, k)
	r.m.rerankDurationSeconds.Observe(time.Since(start).Seconds())
	r.m.rerankRequestsTotal.WithLabelValues(outcome(err)).Inc()
	return out, err
}

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeOK
}
