package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/memrag/internal/memory"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency pingers run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the per-IP request rate on the search and info routes.
	// Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the per-IP burst on the search and info routes. Defaults
	// to 20 if zero.
	RateBurst int
	// WriteRateLimit is the per-IP request rate on the routes that add,
	// remove or save. Defaults to 2 if zero.
	WriteRateLimit float64
	// WriteRateBurst is the per-IP burst on the write routes. Defaults to 5.
	WriteRateBurst int
	// APIKey is the Bearer token required on the /api/stores routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// ReadAPIKey is an optional token limited to search and info. It
	// requires APIKey.
	ReadAPIKey string
	// MetricsRegistry receives the HTTP metrics. If nil a private registry
	// is created.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. If nil, MetricsRegistry is
	// used when it is also a Gatherer.
	MetricsGatherer prometheus.Gatherer
	// Version is reported by GET /api/health.
	Version string
}

// stores is what the handlers need from the application context.
// *app.App satisfies it.
type stores interface {
	// Store returns the named store, opening it on first use.
	Store(name string) (*memory.Store, error)
	// StoryStore returns the named story save, opening it on first use.
	StoryStore(name string) (*memory.Store, error)
	// OpenStores returns every store opened so far; GET /api/ready checks
	// their alignment.
	OpenStores() []*memory.Store
	// SaveAll saves every open store.
	SaveAll() error
}

// Server is the HTTP front end over the memory stores.
type Server struct {
	// stores resolves store names for every /api/stores route.
	stores stores
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// handler is the full middleware chain; tests drive it directly.
	handler http.Handler
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency pingers for GET /api/ready.
	pingers []Pinger
	// metrics holds the HTTP metrics.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// addTextRequest is the JSON body for POST /api/stores/{name}/texts.
type addTextRequest struct {
	// Text is a single document to store.
	Text string `json:"text"`
	// Texts is a batch of documents, stored after Text.
	Texts []string `json:"texts,omitempty"`
}

// addTurnRequest is the JSON body for POST /api/stores/{name}/turns.
type addTurnRequest struct {
	// User is what the user said.
	User string `json:"user"`
	// Assistant is the reply.
	Assistant string `json:"assistant"`
}

// addResponse is returned by the write routes.
type addResponse struct {
	// Documents is the store size after the write.
	Documents int `json:"documents"`
}

// searchRequest is the JSON body for POST /api/stores/{name}/search.
type searchRequest struct {
	// Query is the text to search for.
	Query string `json:"query"`
	// TopK caps the results; 0 selects the store default.
	TopK int `json:"top_k,omitempty"`
	// TimeoutMS bounds the search; 0 selects the store default.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// searchResponse is the JSON response for POST /api/stores/{name}/search.
type searchResponse struct {
	// Results is empty, never null, when nothing matched or the search failed.
	Results []memory.Result `json:"results"`
}

// removeRequest is the JSON body for POST /api/stores/{name}/remove.
type removeRequest struct {
	// Query selects the documents to remove.
	Query string `json:"query"`
	// Threshold is the minimum similarity; 0 selects the configured default.
	Threshold float64 `json:"threshold,omitempty"`
	// MaxRemoveCount caps the removal; 0 selects the configured default.
	MaxRemoveCount int `json:"max_remove_count,omitempty"`
}

// removeResponse is the JSON response for POST /api/stores/{name}/remove.
type removeResponse struct {
	// Removed lists the ids that were removed, ascending.
	Removed []int `json:"removed"`
}

// healthResponse is the JSON response for GET /api/health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// errorResponse is the JSON body of every 4xx/5xx from the store routes.
type errorResponse struct {
	Error string `json:"error"`
	// Kind is the error classification, when there is one.
	Kind string `json:"kind,omitempty"`
}
