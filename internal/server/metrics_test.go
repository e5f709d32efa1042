package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func Test_Metrics_EndpointReturns200(t *testing.T) {
	t.Parallel()
	s, _ := newStoreTestServer(t, "")

	w := do(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("want 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("want text/plain content-type, got %q", ct)
	}
}

func Test_Metrics_RequestCounterByHandler(t *testing.T) {
	t.Parallel()
	s, _ := newStoreTestServer(t, "")

	do(t, s, http.MethodGet, "/api/health", nil)
	do(t, s, http.MethodGet, "/api/health", nil)
	do(t, s, http.MethodPost, "/api/stores/memory/search", searchRequest{})

	if got := testutil.ToFloat64(s.metrics.httpRequestsTotal.WithLabelValues("GET", "health", "200")); got != 2 {
		t.Errorf("health 200 count: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.metrics.httpRequestsTotal.WithLabelValues("POST", "search", "400")); got != 1 {
		t.Errorf("search 400 count: got %v, want 1", got)
	}
}

func Test_Metrics_StoreMetricsExposed(t *testing.T) {
	t.Parallel()
	s, _ := newStoreTestServer(t, "")
	do(t, s, http.MethodPost, "/api/stores/memory/texts", addTextRequest{Text: "alpha beta"})
	do(t, s, http.MethodPost, "/api/stores/memory/search", searchRequest{Query: "alpha"})

	body := do(t, s, http.MethodGet, "/metrics", nil).Body.String()
	for _, name := range []string{
		"memrag_http_requests_total",
		"memrag_store_searches_total",
		"memrag_embed_requests_total",
		"memrag_store_documents",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("%s missing from /metrics", name)
		}
	}
}

func Test_Metrics_HermeticRegistry(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	newServerMetrics(reg)
	// A second registration on a fresh registry must not panic.
	newServerMetrics(prometheus.NewRegistry())

	if n, err := testutil.GatherAndCount(reg); err != nil || n != 0 {
		t.Errorf("fresh registry should expose no samples: n=%d err=%v", n, err)
	}
}
