// Package app wires configuration into live components. An App is built
// once per process and handed to every command and to the HTTP server; it
// owns the embedding backends, the reranker, the embedding cache and every
// opened memory store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/memrag/internal/config"
	"github.com/54b3r/memrag/internal/embedcache"
	"github.com/54b3r/memrag/internal/embedder"
	"github.com/54b3r/memrag/internal/memory"
	"github.com/54b3r/memrag/internal/metrics"
	"github.com/54b3r/memrag/internal/rag"
	"github.com/54b3r/memrag/internal/recall"
	"github.com/54b3r/memrag/internal/reranker"
)

// Options carries process-level dependencies.
type Options struct {
	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// Registry receives the pipeline metrics. Defaults to a fresh registry.
	Registry *prometheus.Registry

	// NewEmbedder overrides embedder construction. Tests use it.
	NewEmbedder func(cfg embedder.Config) (rag.Embedder, error)

	// NewReranker overrides reranker construction. Tests use it.
	NewReranker func(cfg reranker.Config) (rag.Reranker, error)
}

// Endpoint is a remote backend the readiness check should reach.
type Endpoint struct {
	// Name labels the dependency ("embed:<method>", "rerank").
	Name string
	// URL is the backend base URL.
	URL string
}

// App is the application context.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	cache    *embedcache.Cache

	// embedders holds the instrumented embedder of every recall method that
	// could be constructed.
	embedders map[string]rag.Embedder
	reranker  rag.Reranker
	endpoints []Endpoint
	model     string

	mu     sync.Mutex
	stores map[string]*memory.Store
}

// New builds the App. Backends that cannot be constructed are logged and
// left out, so New fails only on problems no command could work around.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	newEmbedder := opts.NewEmbedder
	if newEmbedder == nil {
		newEmbedder = embedder.New
	}
	newReranker := opts.NewReranker
	if newReranker == nil {
		newReranker = reranker.New
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		metrics:   metrics.New(reg),
		embedders: make(map[string]rag.Embedder),
		stores:    make(map[string]*memory.Store),
	}

	a.openCache()

	for _, m := range cfg.Recall.Methods {
		emb, endpoint, err := a.buildEmbedder(m, newEmbedder)
		if err != nil {
			log.Error("app: embedder unavailable, recall method disabled",
				slog.String("method", m.Name),
				slog.String("kind", rag.KindBackendUnavailable.String()),
				slog.Any("error", err),
			)
			continue
		}
		a.embedders[m.Name] = emb
		a.endpoints = append(a.endpoints, Endpoint{Name: "embed:" + m.Name, URL: endpoint})
	}

	if cfg.RerankerDisabled() {
		log.Info("app: reranker disabled, results keep recall order")
	} else {
		backend, _ := reranker.ParseBackend(cfg.Reranker.Backend)
		r, err := newReranker(reranker.Config{
			Backend: backend,
			BaseURL: cfg.Reranker.BaseURL,
			APIKey:  cfg.Reranker.APIKey,
			Model:   cfg.Reranker.Model,
		})
		if err != nil {
			log.Error("app: reranker unavailable, results keep recall order",
				slog.String("kind", rag.KindBackendUnavailable.String()),
				slog.Any("error", err),
			)
		} else {
			a.reranker = a.metrics.Reranker(r)
			a.endpoints = append(a.endpoints, Endpoint{Name: "rerank", URL: cfg.Reranker.BaseURL})
		}
	}

	return a, nil
}

// openCache opens the embedding cache unless it is disabled. Failure only
// disables caching.
func (a *App) openCache() {
	if a.cfg.CacheDisabled() {
		a.log.Info("app: embedding cache disabled")
		return
	}
	path := a.cfg.Cache.DBPath
	if path == "" {
		p, err := embedcache.DefaultPath(a.cfg.Memory.DataDir)
		if err != nil {
			a.log.Warn("app: embedding cache disabled", slog.Any("error", err))
			return
		}
		path = p
	}
	maxCost := int64(a.cfg.Cache.MaxCostMB) << 20
	if a.cfg.Cache.MaxCostMB < 0 {
		maxCost = -1
	}
	c, err := embedcache.Open(path, embedcache.Options{MaxCost: maxCost, Logger: a.log})
	if err != nil {
		a.log.Warn("app: embedding cache disabled", slog.String("path", path), slog.Any("error", err))
		return
	}
	a.cache = c
	a.log.Debug("app: embedding cache opened", slog.String("path", path))
}

// buildEmbedder constructs, caches and instruments the embedder of one
// recall method. It returns the embedder and its endpoint URL.
func (a *App) buildEmbedder(m config.MethodConfig, newEmbedder func(embedder.Config) (rag.Embedder, error)) (rag.Embedder, string, error) {
	backend, err := embedder.ParseBackend(m.Backend)
	if err != nil {
		return nil, "", err
	}
	ecfg := embedder.Config{
		Backend:          backend,
		BaseURL:          m.BaseURL,
		APIKey:           m.APIKey,
		Model:            m.Model,
		QueryInstruction: m.QueryInstruction,
		BatchSize:        m.BatchSize,
	}
	if err := embedder.Validate(ecfg, a.log); err != nil {
		return nil, "", err
	}
	emb, err := newEmbedder(ecfg)
	if err != nil {
		return nil, "", err
	}

	model, endpoint := m.Model, m.BaseURL
	if d, ok := emb.(interface {
		Model() string
		Endpoint() string
	}); ok {
		model, endpoint = d.Model(), d.Endpoint()
	}
	if a.model == "" {
		a.model = model
	}

	if a.cache != nil {
		emb = a.cache.Wrap(cacheNamespace(backend, model, m.QueryInstruction), emb)
	}
	return a.metrics.Embedder(m.Name, emb), endpoint, nil
}

// cacheNamespace identifies everything that changes the vectors a backend
// produces for a given text.
func cacheNamespace(backend embedder.Backend, model string, instruction *string) string {
	instr := "auto"
	if instruction != nil {
		instr = *instruction
	}
	return fmt.Sprintf("%s:%s:%s", backend, model, instr)
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the process logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Registry returns the metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Cache returns the embedding cache, or nil when it is disabled.
func (a *App) Cache() *embedcache.Cache { return a.cache }

// Endpoints returns the remote backends that were constructed.
func (a *App) Endpoints() []Endpoint { return a.endpoints }

// Methods returns the recall methods whose embedder is available, in
// configuration order.
func (a *App) Methods() []string {
	var out []string
	for _, name := range a.cfg.MethodNames() {
		if _, ok := a.embedders[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Store returns the named character store, building it and loading its
// snapshot on first use. A malformed snapshot is logged and the store starts
// from whatever loaded cleanly; it will not overwrite that snapshot unless
// memory.overwrite_malformed is set.
func (a *App) Store(name string) (*memory.Store, error) {
	return a.open(name, false)
}

// StoryStore is Store for the memory of a story save, kept under
// <data_dir>/saves/<name>.
func (a *App) StoryStore(name string) (*memory.Store, error) {
	return a.open(name, true)
}

func (a *App) open(name string, story bool) (*memory.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Names never contain a separator, so the key cannot collide.
	key := name
	if story {
		key = memory.Subdir(true) + "/" + name
	}
	if s, ok := a.stores[key]; ok {
		return s, nil
	}

	mr, err := rag.NewMultiRecall(a.cfg.MethodNames(), a.buildRecall, a.log.With(slog.String("store", name)))
	if err != nil {
		return nil, fmt.Errorf("app: store %s: %w", name, err)
	}
	if len(mr.Methods()) == 0 {
		return nil, rag.Errorf(rag.KindBackendUnavailable, "app: store "+name, "no recall method is available")
	}

	svc, err := rag.NewService(mr, a.reranker, rag.ServiceConfig{
		RecallTopK: a.cfg.Recall.TopK,
		Remove: rag.RemoveOptions{
			Threshold:      a.cfg.Remove.Threshold,
			MaxRemoveCount: a.cfg.Remove.MaxRemoveCount,
		},
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("app: store %s: %w", name, err)
	}

	s, err := memory.New(svc, memory.Options{
		Name:               name,
		DataDir:            a.cfg.Memory.DataDir,
		Story:              story,
		Model:              a.model,
		TopK:               a.cfg.Memory.TopK,
		SearchTimeout:      a.cfg.Memory.SearchTimeout,
		MinParagraphLen:    a.cfg.Memory.MinParagraphLen,
		OverwriteMalformed: a.cfg.Memory.OverwriteMalformed,
		Observer:           a.metrics,
		Logger:             a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("app: store %s: %w", name, err)
	}
	if err := s.Load(); err != nil && !rag.IsKind(err, rag.KindMalformedSnapshot) {
		return nil, err
	}
	a.stores[key] = s
	return s, nil
}

// buildRecall is the rag.BuildFunc for every store.
func (a *App) buildRecall(method string) (rag.Recall, error) {
	emb, ok := a.embedders[method]
	if !ok {
		return nil, rag.Errorf(rag.KindBackendUnavailable, "app: recall "+method, "embedder unavailable")
	}
	for _, m := range a.cfg.Recall.Methods {
		if m.Name != method {
			continue
		}
		return recall.New(recall.Algorithm(m.Algorithm), recall.Options{
			Embedder:  emb,
			Threshold: m.Threshold,
			VectorDim: m.VectorDim,
			Logger:    a.log.With(slog.String("method", method)),
		})
	}
	return nil, rag.Errorf(rag.KindBackendUnavailable, "app: recall "+method, "method not configured")
}

// OpenStores returns every store opened so far, sorted by name.
func (a *App) OpenStores() []*memory.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*memory.Store, 0, len(a.stores))
	for _, s := range a.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SaveAll saves every open store and reports every failure.
func (a *App) SaveAll() error {
	var errs []error
	for _, s := range a.OpenStores() {
		if err := s.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping reports whether the embedding cache is reachable. It is a no-op when
// the cache is disabled.
func (a *App) Ping(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Ping(ctx)
}

// Close releases the embedding cache. Stores are not saved; call SaveAll.
func (a *App) Close() error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Close()
}
