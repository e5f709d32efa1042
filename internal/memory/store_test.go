package memory

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/memrag/internal/embedder/mock"
	"github.com/54b3r/memrag/internal/logging"
	"github.com/54b3r/memrag/internal/rag"
	"github.com/54b3r/memrag/internal/recall"
	rerankmock "github.com/54b3r/memrag/internal/reranker/mock"
)

// gatedEmbedder forwards to next, but once gate is armed every call blocks
// until release is closed, ignoring its context.
type gatedEmbedder struct {
	next    rag.Embedder
	mu      sync.Mutex
	armed   bool
	release chan struct{}
}

func (g *gatedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	g.mu.Lock()
	armed := g.armed
	g.mu.Unlock()
	if armed {
		<-g.release
	}
	return g.next.Embed(ctx, texts)
}

func (g *gatedEmbedder) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
}

// recordingObserver captures Observer callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	searches []string
	removed  int
	docs     int
}

func (o *recordingObserver) ObserveSearch(_, outcome string, _ time.Duration, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.searches = append(o.searches, outcome)
}

func (o *recordingObserver) ObserveRemove(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed += n
}

func (o *recordingObserver) ObserveDocuments(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.docs = n
}

// newTestStore builds a Store over one cosine path backed by emb.
func newTestStore(t *testing.T, name string, emb rag.Embedder, opts Options) *Store {
	t.Helper()
	build := func(string) (rag.Recall, error) {
		return recall.NewCosineIndex(emb, recall.CosineConfig{Threshold: 0.3}, logging.Discard())
	}
	mr, err := rag.NewMultiRecall([]string{"cosine"}, build, logging.Discard())
	if err != nil {
		t.Fatalf("NewMultiRecall: %v", err)
	}
	svc, err := rag.NewService(mr, &rerankmock.Reranker{}, rag.ServiceConfig{
		Remove: rag.RemoveOptions{Threshold: 0.75, MaxRemoveCount: 10},
	}, logging.Discard())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	opts.Name = name
	if opts.DataDir == "" && opts.Dir == "" {
		opts.DataDir = t.TempDir()
	}
	opts.Logger = logging.Discard()
	s, err := New(svc, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestFileName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"memory": "memory.json",
		"notes":  "notes.json",
		"alice":  "alice_memory.json",
	}
	for name, want := range tests {
		if got := FileName(name); got != want {
			t.Errorf("FileName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestNew_Path(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newTestStore(t, "alice", mock.NewVocabulary(32), Options{DataDir: dir})
	want := filepath.Join(dir, "memory", "alice", "alice_memory.json")
	if s.Path() != want {
		t.Errorf("path: got %q, want %q", s.Path(), want)
	}

	s = newTestStore(t, "alice", mock.NewVocabulary(32), Options{DataDir: dir, Story: true})
	want = filepath.Join(dir, "saves", "alice", "alice_memory.json")
	if s.Path() != want {
		t.Errorf("story path: got %q, want %q", s.Path(), want)
	}
	if !s.Info().Story {
		t.Error("Info must report a story store")
	}

	custom := t.TempDir()
	s = newTestStore(t, "notes", mock.NewVocabulary(32), Options{Dir: custom})
	if s.Path() != filepath.Join(custom, "notes.json") {
		t.Errorf("custom dir path: got %q", s.Path())
	}
}

func TestNew_RejectsBadNames(t *testing.T) {
	t.Parallel()
	svc := &rag.Service{}
	for _, name := range []string{"", "..", "a/b", `a\b`} {
		if _, err := New(svc, Options{Name: name}); err == nil {
			t.Errorf("expected error for name %q", name)
		}
	}
	if _, err := New(nil, Options{Name: "x"}); err == nil {
		t.Error("expected error for nil service")
	}
}

// TestSearch_EmbeddingFailure covers the read path staying quiet and the
// write path staying loud when the embedding backend fails.
func TestSearch_EmbeddingFailure(t *testing.T) {
	t.Parallel()
	emb := mock.NewVocabulary(64)
	obs := &recordingObserver{}
	s := newTestStore(t, "memory", emb, Options{Observer: obs})
	ctx := context.Background()

	if err := s.AddText(ctx, "the cat sat on the mat"); err != nil {
		t.Fatalf("add: %v", err)
	}

	emb.FailWith(errors.New("connection refused"))

	got := s.Search(ctx, "cat", 3, time.Second)
	if got == nil || len(got) > 0 {
		t.Errorf("search must return an empty, non-nil result, got %#v", got)
	}

	err := s.AddText(ctx, "another memory")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("add must propagate the failure, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("failed add must not change the store, len %d", s.Len())
	}
	if !slices.Equal(obs.searches, []string{OutcomeError}) {
		t.Errorf("observer outcomes: %v", obs.searches)
	}
}

func TestSearch_Timeout(t *testing.T) {
	t.Parallel()
	gate := &gatedEmbedder{next: mock.NewVocabulary(64), release: make(chan struct{})}
	t.Cleanup(func() { close(gate.release) })

	obs := &recordingObserver{}
	s := newTestStore(t, "memory", gate, Options{Observer: obs})
	if err := s.AddText(context.Background(), "a memory about the sea"); err != nil {
		t.Fatalf("add: %v", err)
	}
	gate.arm()

	start := time.Now()
	got := s.Search(context.Background(), "sea", 3, 50*time.Millisecond)
	if len(got) != 0 {
		t.Errorf("expected empty result on timeout, got %v", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("search did not honour its deadline: %v", elapsed)
	}
	if !slices.Equal(obs.searches, []string{OutcomeTimeout}) {
		t.Errorf("observer outcomes: %v", obs.searches)
	}
}

func TestSearch_CallerCancels(t *testing.T) {
	t.Parallel()
	gate := &gatedEmbedder{next: mock.NewVocabulary(64), release: make(chan struct{})}
	t.Cleanup(func() { close(gate.release) })

	obs := &recordingObserver{}
	s := newTestStore(t, "memory", gate, Options{Observer: obs})
	if err := s.AddText(context.Background(), "a memory about the sea"); err != nil {
		t.Fatalf("add: %v", err)
	}
	gate.arm()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	got := s.Search(ctx, "sea", 3, time.Minute)
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty, non-nil result on cancel, got %#v", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("search ignored cancellation: %v", elapsed)
	}
	if !slices.Equal(obs.searches, []string{OutcomeCanceled}) {
		t.Errorf("observer outcomes: got %v, want [%s]", obs.searches, OutcomeCanceled)
	}
}

func TestSearch_Results(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := newTestStore(t, "memory", mock.NewVocabulary(64), Options{Observer: obs})
	ctx := context.Background()

	if err := s.AddTexts(ctx, "cat info", "cat is an animal", "cat has strong stats"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if obs.docs != 3 {
		t.Errorf("observer documents: %d", obs.docs)
	}

	got := s.Search(ctx, "cat stats", 3, 0)
	if len(got) == 0 {
		t.Fatal("expected results")
	}
	texts := make([]string, len(got))
	for i, r := range got {
		if r.Rank != i+1 {
			t.Errorf("rank %d at position %d", r.Rank, i)
		}
		texts[i] = r.Text
	}
	for _, want := range []string{"cat has strong stats", "cat is an animal"} {
		if !slices.Contains(texts, want) {
			t.Errorf("missing %q in %q", want, texts)
		}
	}

	if got := s.Search(ctx, "nothing in common", 3, 0); len(got) != 0 {
		t.Errorf("unrelated query returned %v", got)
	}
}

func TestAddChatTurn(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "alice", mock.NewVocabulary(64), Options{})

	if err := s.AddChatTurn(context.Background(), "hello there", "hi, how are you?"); err != nil {
		t.Fatalf("add turn: %v", err)
	}
	want := "user: hello there\nalice: hi, how are you?"
	if docs := s.Documents(); !slices.Equal(docs, []string{want}) {
		t.Errorf("got %q, want %q", docs, want)
	}
}

func TestBuildFromFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "notes", mock.NewVocabulary(128), Options{MinParagraphLen: 10})

	path := filepath.Join(t.TempDir(), "notes.txt")
	content := "first paragraph of notes\n\ntiny\n\n   second paragraph of notes   \n\n\n\nexactly10!"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := s.BuildFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{"first paragraph of notes", "second paragraph of notes"}
	if n != 2 || !slices.Equal(s.Documents(), want) {
		t.Errorf("got %d %q, want %q", n, s.Documents(), want)
	}

	if _, err := s.BuildFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRemoveByQuery(t *testing.T) {
	t.Parallel()
	obs := &recordingObserver{}
	s := newTestStore(t, "memory", mock.NewVocabulary(64), Options{Observer: obs})
	ctx := context.Background()

	_ = s.AddTexts(ctx, "rainy weather today", "my favourite colour is blue", "rainy weather today again")

	removed, err := s.RemoveByQuery(ctx, "rainy weather today", 0, 0)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !slices.Equal(removed, []int{0, 2}) {
		t.Errorf("removed %v, want [0 2]", removed)
	}
	if docs := s.Documents(); !slices.Equal(docs, []string{"my favourite colour is blue"}) {
		t.Errorf("remaining %q", docs)
	}
	if obs.removed != 2 || obs.docs != 1 {
		t.Errorf("observer: removed %d docs %d", obs.removed, obs.docs)
	}

	removed, err = s.RemoveByQuery(ctx, "unrelated words", 0.9, 5)
	if err != nil || len(removed) != 0 {
		t.Errorf("expected nothing removed, got %v, %v", removed, err)
	}
}

// TestRemoveByQuery_MaxDropsNewest checks that when more documents match
// than maxRemove allows, the most recently added ones go first.
func TestRemoveByQuery_MaxDropsNewest(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "memory", mock.NewVocabulary(64), Options{})
	ctx := context.Background()

	_ = s.AddTexts(ctx, "rainy weather today", "my favourite colour is blue", "rainy weather today again")

	removed, err := s.RemoveByQuery(ctx, "rainy weather today", 0, 1)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !slices.Equal(removed, []int{2}) {
		t.Errorf("removed %v, want [2]", removed)
	}
	want := []string{"rainy weather today", "my favourite colour is blue"}
	if docs := s.Documents(); !slices.Equal(docs, want) {
		t.Errorf("remaining %q, want %q", docs, want)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	emb := mock.NewVocabulary(64)
	ctx := context.Background()

	a := newTestStore(t, "memory", emb, Options{DataDir: dir, Model: "bge-m3"})
	_ = a.AddTexts(ctx, "cat info", "cat is an animal", "cat has strong stats", "dogs bark loudly")
	before := a.Search(ctx, "cat stats", 3, 0)

	if err := a.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(a.Path())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("snapshot is not a JSON object: %v", err)
	}
	for _, key := range []string{"cosine", "id_to_doc", "name", "model", "last_updated"} {
		if _, ok := top[key]; !ok {
			t.Errorf("snapshot missing key %q", key)
		}
	}
	var updated string
	_ = json.Unmarshal(top["last_updated"], &updated)
	if _, err := time.Parse(time.RFC3339, updated); err != nil {
		t.Errorf("last_updated %q is not RFC 3339", updated)
	}
	entries, _ := os.ReadDir(filepath.Dir(a.Path()))
	if len(entries) != 1 {
		t.Errorf("expected only the snapshot in the store dir, got %d entries", len(entries))
	}

	b := newTestStore(t, "memory", emb, Options{DataDir: dir})
	if err := b.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(b.Documents(), a.Documents()) {
		t.Errorf("documents differ after load: %q vs %q", b.Documents(), a.Documents())
	}
	if b.Info().Model != "bge-m3" {
		t.Errorf("model metadata not restored: %q", b.Info().Model)
	}
	after := b.Search(ctx, "cat stats", 3, 0)
	if !slices.Equal(after, before) {
		t.Errorf("search differs after round trip: %v vs %v", after, before)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "memory", mock.NewVocabulary(16), Options{})
	if err := s.Load(); err != nil {
		t.Fatalf("missing snapshot must not be an error: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestLoad_Malformed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "memory", mock.NewVocabulary(16), Options{})
	_ = s.AddText(context.Background(), "kept in memory only")

	if err := os.MkdirAll(filepath.Dir(s.Path()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte(`{"cosine": "not vectors", "id_to_doc": {"0": "x"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	err := s.Load()
	if !rag.IsKind(err, rag.KindMalformedSnapshot) {
		t.Fatalf("expected malformed snapshot error, got %v", err)
	}
	// The store keeps working after a bad load.
	if s.Len() != 0 {
		t.Errorf("expected empty store after failed restore, got %d", s.Len())
	}
	if err := s.AddText(context.Background(), "fresh start after bad load"); err != nil {
		t.Errorf("store unusable after bad load: %v", err)
	}
}

// writeMissingPayload writes a snapshot whose documents are intact but whose
// recall payload is stored under a method name the store does not use.
func writeMissingPayload(t *testing.T, path string) []byte {
	t.Helper()
	data := []byte(`{"renamed": [[1, 0]], "id_to_doc": {"0": "precious memory"}}`)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSave_RefusesToOverwriteMalformed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "memory", mock.NewVocabulary(16), Options{})
	original := writeMissingPayload(t, s.Path())

	if err := s.Load(); !rag.IsKind(err, rag.KindMalformedSnapshot) {
		t.Fatalf("load: want malformed snapshot, got %v", err)
	}
	if !s.Info().Damaged {
		t.Error("Info must report the damaged snapshot")
	}
	if err := s.AddText(context.Background(), "written after the bad load"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Save(); !rag.IsKind(err, rag.KindMalformedSnapshot) {
		t.Fatalf("save: want malformed snapshot refusal, got %v", err)
	}
	got, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("snapshot on disk was modified: %s", got)
	}
}

func TestSave_OverwriteMalformedKeepsCopy(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "memory", mock.NewVocabulary(16), Options{OverwriteMalformed: true})
	original := writeMissingPayload(t, s.Path())

	_ = s.Load()
	if err := s.AddText(context.Background(), "fresh memory"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	kept, err := os.ReadFile(s.Path() + ".malformed")
	if err != nil {
		t.Fatalf("damaged snapshot not kept: %v", err)
	}
	if string(kept) != string(original) {
		t.Errorf("kept copy differs: %s", kept)
	}
	if s.Info().Damaged {
		t.Error("store still damaged after a successful save")
	}
	if err := s.Load(); err != nil {
		t.Fatalf("reload of the new snapshot: %v", err)
	}
	if docs := s.Documents(); !slices.Equal(docs, []string{"fresh memory"}) {
		t.Errorf("documents after reload: %q", docs)
	}
}

func TestReload_SkipsUnchanged(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	emb := mock.NewVocabulary(32)
	ctx := context.Background()

	writer := newTestStore(t, "notes", emb, Options{DataDir: dir})
	_ = writer.AddText(ctx, "first note to share")
	if err := writer.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if reloaded, _ := writer.Reload(); reloaded {
		t.Error("writer must not reload its own snapshot")
	}

	reader := newTestStore(t, "notes", emb, Options{DataDir: dir})
	reloaded, err := reader.Reload()
	if err != nil || !reloaded {
		t.Fatalf("expected reload, got %v, %v", reloaded, err)
	}
	if reader.Len() != 1 {
		t.Errorf("reader has %d documents", reader.Len())
	}
	if reloaded, _ := reader.Reload(); reloaded {
		t.Error("unchanged snapshot must not be reloaded twice")
	}
}

func TestRelevantMemory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, "memory", mock.NewVocabulary(64), Options{})
	ctx := context.Background()

	if got := s.RelevantMemory(ctx, "anything", 3, 0); got != "" {
		t.Errorf("empty store must yield no prompt, got %q", got)
	}

	_ = s.AddText(ctx, "the user likes green tea")
	got := s.RelevantMemory(ctx, "green tea", 3, 0)
	if !strings.Contains(got, "```\nthe user likes green tea\n```") {
		t.Errorf("unexpected prompt %q", got)
	}
	if got != FormatRecalled([]string{"the user likes green tea"}) {
		t.Errorf("prompt does not match FormatRecalled: %q", got)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	if got := preview("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := preview("记忆记忆记忆", 2); got != "记忆..." {
		t.Errorf("got %q", got)
	}
}
