// Package server implements the HTTP API over the memory stores. It is
// started by the `memrag serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/memrag/internal/logging"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 4 << 20

// New constructs a Server over st and cfg.
func New(st stores, cfg *Config) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("server: stores must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ReadAPIKey != "" && cfg.APIKey == "" {
		return nil, fmt.Errorf("server: a read-only API key requires a write API key")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.WriteRateLimit == 0 {
		cfg.WriteRateLimit = defaultWriteRateLimit
	}
	if cfg.WriteRateBurst == 0 {
		cfg.WriteRateBurst = defaultWriteRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.MetricsRegistry == nil {
		reg := prometheus.NewRegistry()
		cfg.MetricsRegistry = reg
		if cfg.MetricsGatherer == nil {
			cfg.MetricsGatherer = reg
		}
	}
	if cfg.MetricsGatherer == nil {
		if g, ok := cfg.MetricsRegistry.(prometheus.Gatherer); ok {
			cfg.MetricsGatherer = g
		} else {
			cfg.MetricsGatherer = prometheus.DefaultGatherer
		}
	}

	s := &Server{
		stores:  st,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		log.Warn("server: MEMRAG_API_KEY not set, store routes are unauthenticated")
	}

	rl, stop := newRateLimiter(
		rateClass{RPS: cfg.RateLimit, Burst: cfg.RateBurst},
		rateClass{RPS: cfg.WriteRateLimit, Burst: cfg.WriteRateBurst},
		s.metrics, log,
	)
	s.stopRL = stop

	// Store routes sit behind auth and the rate limiter; health checks and metrics
	// stay open for orchestrators.
	keys := apiKeys{write: cfg.APIKey, read: cfg.ReadAPIKey}
	route := func(name string, need access, h http.HandlerFunc) http.Handler {
		return s.instrument(name, authMiddleware(keys, need, s.metrics, rl.middleware(need, h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/stores/{name}/texts", route("texts", accessWrite, s.handleAddTexts))
	mux.Handle("POST /api/stores/{name}/turns", route("turns", accessWrite, s.handleAddTurn))
	mux.Handle("POST /api/stores/{name}/remove", route("remove", accessWrite, s.handleRemove))
	mux.Handle("POST /api/stores/{name}/save", route("save", accessWrite, s.handleSave))
	mux.Handle("POST /api/stores/{name}/search", route("search", accessRead, s.handleSearch))
	mux.Handle("GET /api/stores/{name}", route("info", accessRead, s.handleInfo))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.handler = requestLogger(log, mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then shuts down gracefully and saves every open
// store.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		shutdownErr := s.httpServer.Shutdown(shutdownCtx)
		saveErr := s.stores.SaveAll()
		if saveErr != nil {
			s.log.Error("server: saving stores failed", slog.Any("error", saveErr))
		}
		if shutdownErr != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", errors.Join(shutdownErr, saveErr))
		}
		return saveErr
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: s.cfg.Version})
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}
