package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/memrag/internal/app"
	"github.com/54b3r/memrag/internal/config"
	"github.com/54b3r/memrag/internal/embedder"
	"github.com/54b3r/memrag/internal/embedder/mock"
	"github.com/54b3r/memrag/internal/logging"
	"github.com/54b3r/memrag/internal/memory"
	"github.com/54b3r/memrag/internal/rag"
	"github.com/54b3r/memrag/internal/reranker"
	rerankmock "github.com/54b3r/memrag/internal/reranker/mock"
)

// noStores satisfies the stores interface for tests that never reach a
// store route.
type noStores struct{}

func (noStores) Store(string) (*memory.Store, error) {
	return nil, errors.New("no stores in this test")
}
func (noStores) StoryStore(string) (*memory.Store, error) {
	return nil, errors.New("no stores in this test")
}
func (noStores) OpenStores() []*memory.Store { return nil }
func (noStores) SaveAll() error             { return nil }

// newTestServer returns a minimal *Server for handler-level tests.
func newTestServer() *Server {
	return &Server{
		stores:  noStores{},
		cfg:     &Config{Version: "test"},
		log:     logging.Discard(),
		metrics: newServerMetrics(prometheus.NewRegistry()),
	}
}

// newStoreTestServer builds a full Server over a real App whose backends are
// in-process mocks, so requests run through the whole middleware chain.
func newStoreTestServer(t *testing.T, apiKey string) (*Server, *app.App) {
	t.Helper()
	return newStoreTestServerWith(t, func(c *Config) { c.APIKey = apiKey })
}

// newStoreTestServerWith is newStoreTestServer with a hook to adjust the
// server config before New.
func newStoreTestServerWith(t *testing.T, adjust func(*Config)) (*Server, *app.App) {
	t.Helper()

	cfg := config.Default()
	cfg.Memory.DataDir = t.TempDir()
	cfg.Cache.DBPath = "disabled"
	cfg.Recall.Methods[0].Backend = string(embedder.BackendModel)
	cfg.Recall.Methods[0].Threshold = 0.3
	cfg.Reranker.BaseURL = "http://rerank.test"

	reg := prometheus.NewRegistry()
	a, err := app.New(cfg, app.Options{
		Logger:      logging.Discard(),
		Registry:    reg,
		NewEmbedder: func(embedder.Config) (rag.Embedder, error) { return mock.NewVocabulary(64), nil },
		NewReranker: func(reranker.Config) (rag.Reranker, error) { return &rerankmock.Reranker{}, nil },
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	scfg := &Config{
		Logger:          logging.Discard(),
		RateLimit:       1000,
		RateBurst:       1000,
		WriteRateLimit:  1000,
		WriteRateBurst:  1000,
		MetricsRegistry: reg,
		MetricsGatherer: reg,
		Version:         "test",
	}
	adjust(scfg)
	s, err := New(a, scfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s, a
}

// do sends a JSON request through the server's handler chain.
func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_NilStores(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil stores")
	}
}

func TestStoreRoutes_EndToEnd(t *testing.T) {
	t.Parallel()
	s, a := newStoreTestServer(t, "")

	for _, text := range []string{"the cat sat on the mat", "rust borrow checker rules", "the dog chased the cat"} {
		w := do(t, s, http.MethodPost, "/api/stores/memory/texts", addTextRequest{Text: text})
		if w.Code != http.StatusCreated {
			t.Fatalf("add %q: status %d body: %s", text, w.Code, w.Body.String())
		}
	}

	w := do(t, s, http.MethodPost, "/api/stores/memory/turns", addTurnRequest{User: "hi", Assistant: "hello cat"})
	if w.Code != http.StatusCreated {
		t.Fatalf("turn: status %d body: %s", w.Code, w.Body.String())
	}
	var added addResponse
	_ = json.NewDecoder(w.Body).Decode(&added)
	if added.Documents != 4 {
		t.Errorf("documents after turn: got %d, want 4", added.Documents)
	}

	w = do(t, s, http.MethodPost, "/api/stores/memory/search", searchRequest{Query: "cat", TopK: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("search: status %d body: %s", w.Code, w.Body.String())
	}
	var sr searchResponse
	if err := json.NewDecoder(w.Body).Decode(&sr); err != nil {
		t.Fatal(err)
	}
	if len(sr.Results) == 0 || len(sr.Results) > 2 {
		t.Fatalf("search results: got %+v", sr.Results)
	}
	if sr.Results[0].Rank != 1 {
		t.Errorf("first rank: got %d", sr.Results[0].Rank)
	}

	w = do(t, s, http.MethodPost, "/api/stores/memory/remove", removeRequest{Query: "rust borrow checker rules", Threshold: 0.99})
	if w.Code != http.StatusOK {
		t.Fatalf("remove: status %d body: %s", w.Code, w.Body.String())
	}
	var rr removeResponse
	_ = json.NewDecoder(w.Body).Decode(&rr)
	if len(rr.Removed) != 1 || rr.Removed[0] != 1 {
		t.Errorf("removed: got %v, want [1]", rr.Removed)
	}

	w = do(t, s, http.MethodPost, "/api/stores/memory/save", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("save: status %d body: %s", w.Code, w.Body.String())
	}
	st, _ := a.Store("memory")
	if _, err := os.Stat(st.Path()); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}

	w = do(t, s, http.MethodGet, "/api/stores/memory", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("info: status %d", w.Code)
	}
	var info memory.Info
	_ = json.NewDecoder(w.Body).Decode(&info)
	if info.Name != "memory" || info.Documents != 3 || info.Path != st.Path() {
		t.Errorf("info: got %+v", info)
	}
}

func TestStoreRoutes_StorySaves(t *testing.T) {
	t.Parallel()
	s, a := newStoreTestServer(t, "")

	w := do(t, s, http.MethodPost, "/api/stores/alice/texts?story=true", addTextRequest{Text: "chapter one"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add to story: status %d body: %s", w.Code, w.Body.String())
	}
	story, _ := a.StoryStore("alice")
	char, _ := a.Store("alice")
	if story.Len() != 1 || char.Len() != 0 {
		t.Errorf("story %d, character %d documents; want 1 and 0", story.Len(), char.Len())
	}
}

func TestStoreRoutes_SaveRefusesDamagedSnapshot(t *testing.T) {
	t.Parallel()
	s, a := newStoreTestServer(t, "")

	path := filepath.Join(a.Config().Memory.DataDir, "memory", "notes", "notes.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"id_to_doc": {"0": "kept"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if w := do(t, s, http.MethodPost, "/api/stores/notes/texts", addTextRequest{Text: "new"}); w.Code != http.StatusCreated {
		t.Fatalf("add: status %d body: %s", w.Code, w.Body.String())
	}
	w := do(t, s, http.MethodPost, "/api/stores/notes/save", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("save: status %d, want 409", w.Code)
	}
	var er errorResponse
	_ = json.NewDecoder(w.Body).Decode(&er)
	if er.Kind != rag.KindMalformedSnapshot.String() {
		t.Errorf("kind: got %q", er.Kind)
	}
	if data, _ := os.ReadFile(path); string(data) != `{"id_to_doc": {"0": "kept"}}` {
		t.Errorf("snapshot overwritten: %s", data)
	}
}

func TestStoreRoutes_Validation(t *testing.T) {
	t.Parallel()
	s, _ := newStoreTestServer(t, "")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"empty text", "/api/stores/memory/texts", addTextRequest{Text: "  "}, http.StatusBadRequest},
		{"empty turn", "/api/stores/memory/turns", addTurnRequest{}, http.StatusBadRequest},
		{"empty query", "/api/stores/memory/search", searchRequest{}, http.StatusBadRequest},
		{"negative top_k", "/api/stores/memory/search", searchRequest{Query: "x", TopK: -1}, http.StatusBadRequest},
		{"threshold range", "/api/stores/memory/remove", removeRequest{Query: "x", Threshold: 2}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Errorf("status: got %d, want %d body: %s", w.Code, tt.status, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/stores/memory/texts", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d", w.Code)
	}
}

func TestStoreRoutes_SearchNeverErrors(t *testing.T) {
	t.Parallel()
	s, _ := newStoreTestServer(t, "")

	w := do(t, s, http.MethodPost, "/api/stores/empty/search", searchRequest{Query: "anything"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"results":[]}` {
		t.Errorf("body: got %s, want empty results array", got)
	}
}

func TestStoreRoutes_Auth(t *testing.T) {
	t.Parallel()
	s, _ := newStoreTestServer(t, "secret")

	w := do(t, s, http.MethodGet, "/api/stores/memory", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without token: got %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stores/memory", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with token: got %d, want 200", w.Code)
	}

	// Health and readiness stay open.
	if w := do(t, s, http.MethodGet, "/api/health", nil); w.Code != http.StatusOK {
		t.Errorf("health behind auth: got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{rag.Errorf(rag.KindBackendUnavailable, "op", "down"), http.StatusServiceUnavailable},
		{rag.Errorf(rag.KindEmbedding, "op", "401"), http.StatusServiceUnavailable},
		{rag.Errorf(rag.KindSearchTimeout, "op", "slow"), http.StatusGatewayTimeout},
		{rag.Errorf(rag.KindMalformedSnapshot, "op", "refusing"), http.StatusConflict},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): got %d, want %d", tt.err, got, tt.want)
		}
	}
}

// savingStores records SaveAll calls.
type savingStores struct {
	noStores
	saved chan struct{}
}

func (s *savingStores) SaveAll() error {
	close(s.saved)
	return nil
}

func TestStart_SavesOnShutdown(t *testing.T) {
	t.Parallel()

	st := &savingStores{saved: make(chan struct{})}
	s, err := New(st, &Config{Port: freePort(t), Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-st.saved:
	default:
		t.Error("SaveAll not called on shutdown")
	}
}

// freePort asks the kernel for an unused TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
