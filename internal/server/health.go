package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/54b3r/memrag/internal/logging"
)

// pingTimeout bounds each dependency ping of a readiness check.
const pingTimeout = 5 * time.Second

// Pinger is a dependency that can report its own reachability: an embedding
// or rerank endpoint, the embedding cache. Implementations must be safe for
// concurrent use.
type Pinger interface {
	// Ping returns nil when the dependency is reachable within ctx.
	Ping(ctx context.Context) error
	// Name labels the dependency in readiness responses (e.g. "embed:cosine").
	Name() string
}

// readyCheck is the result of one dependency ping.
type readyCheck struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// storeCheck reports whether an open store's recall paths still hold one
// entry per document. A misaligned store answers searches with the wrong
// documents, so it fails readiness.
type storeCheck struct {
	Name      string `json:"name"`
	Documents int    `json:"documents"`
	Aligned   bool   `json:"aligned"`
	Error     string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
	Stores []storeCheck `json:"stores"`
}

// handleReady handles GET /api/ready. Dependencies are pinged concurrently
// and every open store is checked for alignment; the answer is 200 only when
// all of them pass, 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := readyResponse{
		Ready:  true,
		Checks: s.pingAll(r.Context()),
		Stores: []storeCheck{},
	}
	for _, c := range resp.Checks {
		if !c.OK {
			resp.Ready = false
			log.Warn("readiness check failed", slog.String("dependency", c.Name), slog.String("error", c.Error))
		}
	}

	for _, st := range s.stores.OpenStores() {
		check := storeCheck{Name: st.Name(), Documents: st.Len(), Aligned: true}
		if err := st.CheckAlignment(); err != nil {
			check.Aligned = false
			check.Error = err.Error()
			resp.Ready = false
			log.Error("store recall paths misaligned", slog.String("store", st.Name()), slog.Any("error", err))
		}
		s.metrics.storeAligned.WithLabelValues(check.Name).Set(boolGauge(check.Aligned))
		resp.Stores = append(resp.Stores, check)
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// pingAll pings every dependency in parallel and returns the results in
// registration order.
func (s *Server) pingAll(ctx context.Context) []readyCheck {
	checks := make([]readyCheck, len(s.pingers))
	var wg sync.WaitGroup
	for i, p := range s.pingers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			checks[i] = readyCheck{Name: p.Name(), OK: true}
			if err := p.Ping(pctx); err != nil {
				checks[i].OK = false
				checks[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()
	return checks
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
