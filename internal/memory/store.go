// Package memory binds a rag.Service to a name and a snapshot file. A Store
// is what the CLI and the HTTP server talk to: it adds single texts and chat
// turns, searches with a wall-clock budget, removes by query, ingests text
// files and persists itself as a flat JSON snapshot.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/54b3r/memrag/internal/ingestion"
	"github.com/54b3r/memrag/internal/rag"
)

// Default tunables, matching the config defaults.
const (
	DefaultTopK            = 5
	DefaultSearchTimeout   = 10 * time.Second
	DefaultMinParagraphLen = 10
)

// Store names with a dedicated snapshot file name.
const (
	NameMemory = "memory"
	NameNotes  = "notes"
)

// Options configures a Store.
type Options struct {
	// Name is the logical store name ("memory", "notes", a character id).
	Name string

	// DataDir is the root data directory. The snapshot lives in
	// <DataDir>/memory/<Name>, or <DataDir>/saves/<Name> for a story,
	// unless Dir is set.
	DataDir string

	// Story marks the store as the memory of a story save rather than of a
	// character. Stories and characters may share a name.
	Story bool

	// Dir overrides the snapshot directory.
	Dir string

	// Model is recorded in the snapshot metadata.
	Model string

	// TopK is the result count used when Search is called with topK ≤ 0.
	TopK int

	// SearchTimeout is used when Search is called with timeout ≤ 0.
	SearchTimeout time.Duration

	// MinParagraphLen drops BuildFromFile paragraphs of this many characters
	// or fewer. Negative values select DefaultMinParagraphLen.
	MinParagraphLen int

	// OverwriteMalformed lets Save replace a snapshot that failed to load.
	// The damaged file is kept next to it with a ".malformed" suffix. When
	// false, Save refuses so the file can be repaired by hand.
	OverwriteMalformed bool

	// Observer receives operation outcomes. Optional.
	Observer Observer

	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Observer is notified about store operations. internal/metrics implements
// it with Prometheus collectors.
type Observer interface {
	ObserveSearch(store, outcome string, elapsed time.Duration, results int)
	ObserveRemove(store string, removed int)
	ObserveDocuments(store string, n int)
}

// Search outcomes reported to the Observer.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Result is one search hit.
type Result struct {
	// Rank is the 1-based position in the reranked list.
	Rank int `json:"rank"`
	// Text is the stored document.
	Text string `json:"text"`
}

// Info describes a store for status output.
type Info struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Documents   int       `json:"documents"`
	Methods     []string  `json:"methods"`
	Model       string    `json:"model,omitempty"`
	LastUpdated time.Time `json:"last_updated,omitzero"`
	Story       bool      `json:"story,omitempty"`
	// Damaged is set while the snapshot on disk is one that failed to load.
	Damaged bool `json:"damaged,omitempty"`
}

// Store is a named, persisted retrieval service. It is safe for concurrent
// use: searches share a read lock and every mutation takes the write lock
// for its whole add/remove/reindex sequence.
type Store struct {
	mu sync.RWMutex

	name string
	path string
	svc  *rag.Service
	opts Options

	// model and lastUpdated mirror the snapshot metadata.
	model       string
	lastUpdated time.Time

	// fileMod is the modification time of the snapshot as last written or
	// read by this process. Reload skips files that have not changed since.
	fileMod time.Time

	// damaged is set when the last load found a malformed snapshot and
	// cleared once the file is replaced or loads cleanly.
	damaged bool

	log *slog.Logger
}

// New constructs a Store over svc. Nothing is read from disk; call Load.
func New(svc *rag.Service, opts Options) (*Store, error) {
	if svc == nil {
		return nil, fmt.Errorf("memory: service must not be nil")
	}
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultSearchTimeout
	}
	if opts.MinParagraphLen < 0 {
		opts.MinParagraphLen = DefaultMinParagraphLen
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	dir := opts.Dir
	if dir == "" {
		dir = filepath.Join(opts.DataDir, Subdir(opts.Story), opts.Name)
	}
	return &Store{
		name:  opts.Name,
		path:  filepath.Join(dir, FileName(opts.Name)),
		svc:   svc,
		opts:  opts,
		model: opts.Model,
		log:   log.With(slog.String("store", opts.Name)),
	}, nil
}

// ValidateName reports whether name can be used as a store name. Names
// become directory and file names, so path separators are rejected.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("memory: store name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("memory: invalid store name %q", name)
	}
	return nil
}

// Subdir is the directory under the data root that holds character stores
// or, when story is set, story saves.
func Subdir(story bool) string {
	if story {
		return "saves"
	}
	return "memory"
}

// FileName returns the snapshot file name for a store.
func FileName(name string) string {
	if name == NameMemory || name == NameNotes {
		return name + ".json"
	}
	return name + "_memory.json"
}

// Name returns the logical store name.
func (s *Store) Name() string { return s.name }

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc.Len()
}

// Documents returns the stored texts in id order.
func (s *Store) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc.Documents()
}

// Info returns a status summary.
func (s *Store) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Name:        s.name,
		Path:        s.path,
		Documents:   s.svc.Len(),
		Methods:     s.svc.Methods(),
		Model:       s.model,
		LastUpdated: s.lastUpdated,
		Story:       s.opts.Story,
		Damaged:     s.damaged,
	}
}

// CheckAlignment reports recall paths whose length differs from the
// document count. A healthy store always returns nil.
func (s *Store) CheckAlignment() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc.CheckAlignment()
}

// AddText stores one text. Failures are returned to the caller.
func (s *Store) AddText(ctx context.Context, text string) error {
	return s.AddTexts(ctx, text)
}

// AddTexts stores texts as one batch: either all are stored or none.
func (s *Store) AddTexts(ctx context.Context, texts ...string) error {
	if len(texts) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.svc.Add(ctx, texts...); err != nil {
		return fmt.Errorf("memory: add to %s: %w", s.name, err)
	}
	s.touch()
	s.log.Debug("memory: texts added", slog.Int("count", len(texts)), slog.Int("total", s.svc.Len()))
	return nil
}

// AddChatTurn stores one conversation turn as a single document.
func (s *Store) AddChatTurn(ctx context.Context, user, assistant string) error {
	if err := s.AddText(ctx, FormatTurn(s.name, user, assistant)); err != nil {
		return err
	}
	s.log.Info("memory: chat turn added", slog.String("user", preview(user, 50)))
	return nil
}

// FormatTurn renders a conversation turn the way AddChatTurn stores it.
func FormatTurn(speaker, user, assistant string) string {
	return "user: " + user + "\n" + speaker + ": " + assistant
}

// Search returns up to topK documents relevant to query. It never fails:
// backend errors are logged and yield an empty result, and so does running
// past timeout or the caller canceling ctx. topK ≤ 0 and timeout ≤ 0 select the store defaults.
func (s *Store) Search(ctx context.Context, query string, topK int, timeout time.Duration) []Result {
	if topK <= 0 {
		topK = s.opts.TopK
	}
	if timeout <= 0 {
		timeout = s.opts.SearchTimeout
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		docs []string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		docs, err := s.svc.Req(ctx, query, topK)
		done <- outcome{docs: docs, err: err}
	}()

	// The backends honour ctx, but the watchdog guarantees the caller gets
	// control back at the deadline even if one of them does not.
	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}

	if out.err != nil {
		var result string
		switch {
		case errors.Is(out.err, context.DeadlineExceeded):
			result = OutcomeTimeout
			s.log.Warn("memory: search timed out",
				slog.String("query", preview(query, 50)),
				slog.Duration("timeout", timeout),
				slog.String("kind", rag.KindSearchTimeout.String()),
			)
		case errors.Is(out.err, context.Canceled):
			// The caller went away; nothing failed.
			result = OutcomeCanceled
			s.log.Info("memory: search canceled by caller", slog.String("query", preview(query, 50)))
		default:
			result = OutcomeError
			attrs := []any{slog.String("query", preview(query, 50)), slog.Any("error", out.err)}
			if k := rag.KindOf(out.err); k != 0 {
				attrs = append(attrs, slog.String("kind", k.String()))
			}
			s.log.Error("memory: search failed", attrs...)
		}
		s.observeSearch(result, time.Since(start), 0)
		return []Result{}
	}

	results := make([]Result, len(out.docs))
	for i, text := range out.docs {
		results[i] = Result{Rank: i + 1, Text: text}
	}
	if len(results) == 0 {
		s.log.Info("memory: no relevant records", slog.String("query", preview(query, 50)))
	} else {
		s.log.Info("memory: records recalled",
			slog.String("query", preview(query, 50)),
			slog.Int("results", len(results)),
		)
		for _, r := range results {
			s.log.Debug("memory: recalled", slog.Int("rank", r.Rank), slog.String("text", preview(r.Text, 50)))
		}
	}
	s.observeSearch(OutcomeOK, time.Since(start), len(results))
	return results
}

// RelevantMemory searches for query and formats the hits as a prompt block.
// It returns "" when nothing is recalled.
func (s *Store) RelevantMemory(ctx context.Context, query string, topK int, timeout time.Duration) string {
	results := s.Search(ctx, query, topK, timeout)
	if len(results) == 0 {
		return ""
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	prompt := FormatRecalled(texts)
	s.log.Debug("memory: prompt built", slog.Int("chars", len(prompt)))
	return prompt
}

// FormatRecalled wraps recalled texts in the memory prompt block.
func FormatRecalled(texts []string) string {
	var b strings.Builder
	b.WriteString("These are recalled memories you may use as reference:\n```\n")
	b.WriteString(strings.Join(texts, "\n"))
	b.WriteString("\n```\nThe above are memories, not the recent conversation; you may ignore them.")
	return b.String()
}

// RemoveByQuery removes documents whose similarity to query reaches
// threshold. threshold 0 and maxRemove 0 select the configured defaults.
// The removed ids, valid only before the call, are returned ascending.
func (s *Store) RemoveByQuery(ctx context.Context, query string, threshold float64, maxRemove int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.svc.RemoveByQuery(ctx, query, rag.RemoveOptions{
		Threshold:      threshold,
		MaxRemoveCount: maxRemove,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: remove from %s: %w", s.name, err)
	}
	if len(removed) > 0 {
		s.touch()
	}
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveRemove(s.name, len(removed))
	}
	return removed, nil
}

// BuildFromFile adds every paragraph of a text file. Paragraphs are
// separated by blank lines; those of MinParagraphLen characters or fewer are
// skipped. It returns the number of paragraphs stored.
func (s *Store) BuildFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("memory: read %s: %w", path, err)
	}
	paras := ingestion.SplitParagraphs(string(data), s.opts.MinParagraphLen)
	if len(paras) == 0 {
		s.log.Warn("memory: no paragraphs found", slog.String("path", path))
		return 0, nil
	}
	if err := s.AddTexts(ctx, paras...); err != nil {
		return 0, err
	}
	s.log.Info("memory: file ingested", slog.String("path", path), slog.Int("paragraphs", len(paras)))
	return len(paras), nil
}

// Save writes the snapshot atomically: to a temporary file in the same
// directory, then renamed over the previous snapshot. A snapshot that failed
// to load is not overwritten unless Options.OverwriteMalformed is set; the
// error is then of kind rag.KindMalformedSnapshot.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.damaged {
		if !s.opts.OverwriteMalformed {
			return rag.Errorf(rag.KindMalformedSnapshot, "memory: save "+s.name,
				"%s did not load cleanly, refusing to overwrite it", s.path)
		}
		aside := s.path + ".malformed"
		if err := os.Rename(s.path, aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("memory: keep %s: %w", aside, err)
		}
		s.log.Warn("memory: malformed snapshot kept aside", slog.String("path", aside))
	}

	snap, err := s.svc.Snapshot()
	if err != nil {
		return fmt.Errorf("memory: snapshot %s: %w", s.name, err)
	}
	s.lastUpdated = time.Now()
	snap.Metadata = map[string]json.RawMessage{
		"name":         mustJSON(s.name),
		"model":        mustJSON(s.model),
		"last_updated": mustJSON(s.lastUpdated.Format(time.RFC3339)),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", s.name, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("memory: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("memory: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("memory: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("memory: replace %s: %w", s.path, err)
	}
	s.damaged = false

	if fi, err := os.Stat(s.path); err == nil {
		s.fileMod = fi.ModTime()
	}
	s.log.Info("memory: snapshot saved", slog.String("path", s.path), slog.Int("documents", s.svc.Len()))
	return nil
}

// Load replaces the in-memory state with the snapshot on disk. A missing
// file is not an error and leaves the store as it is. A malformed snapshot
// is logged and returned as a rag.KindMalformedSnapshot error, but the store
// stays usable with whatever part of it loaded cleanly.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Reload is Load, skipped when the snapshot has not changed since this
// process last wrote or read it.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fi, err := os.Stat(s.path)
	if err != nil || fi.ModTime().Equal(s.fileMod) {
		return false, nil
	}
	return true, s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("memory: no snapshot yet, starting empty", slog.String("path", s.path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("memory: read %s: %w", s.path, err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		s.fileMod = fi.ModTime()
	}

	snap, parseErr := rag.ParseSnapshot(data)
	s.applyMetadata(snap.Metadata)
	restoreErr := s.svc.Restore(snap)
	s.observeDocuments()

	err = errors.Join(parseErr, restoreErr)
	s.damaged = err != nil
	if err != nil {
		s.log.Error("memory: snapshot malformed, continuing with partial state",
			slog.String("path", s.path),
			slog.Int("documents", s.svc.Len()),
			slog.Any("error", err),
		)
		return rag.NewError(rag.KindMalformedSnapshot, "memory: load "+s.name, err)
	}
	s.log.Info("memory: snapshot loaded", slog.String("path", s.path), slog.Int("documents", s.svc.Len()))
	return nil
}

// applyMetadata copies recognised metadata keys onto the store.
func (s *Store) applyMetadata(meta map[string]json.RawMessage) {
	var model, updated string
	if raw, ok := meta["model"]; ok && json.Unmarshal(raw, &model) == nil && model != "" {
		s.model = model
	}
	if raw, ok := meta["last_updated"]; ok && json.Unmarshal(raw, &updated) == nil {
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			s.lastUpdated = t
		}
	}
}

// touch records a mutation. Callers hold the write lock.
func (s *Store) touch() {
	s.lastUpdated = time.Now()
	s.observeDocuments()
}

func (s *Store) observeDocuments() {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveDocuments(s.name, s.svc.Len())
	}
}

func (s *Store) observeSearch(outcome string, elapsed time.Duration, n int) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveSearch(s.name, outcome, elapsed, n)
	}
}

func mustJSON(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// preview shortens s to n characters for log output.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
