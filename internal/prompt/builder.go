// Package prompt builds the memory-enhanced system prompt handed to a chat
// model: the base system prompt followed by memories and notes recalled for
// the user's message.
package prompt

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/memrag/internal/budget"
	"github.com/54b3r/memrag/internal/memory"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultTopK    = 3
	DefaultTimeout = 5 * time.Second
)

// Searcher is the read side of a memory.Store.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, timeout time.Duration) []memory.Result
}

// Config tunes a Builder.
type Config struct {
	// SystemPrompt is the base prompt the recalled context is appended to.
	SystemPrompt string

	// TopK is the number of results requested from each store.
	TopK int

	// Timeout bounds each store search.
	Timeout time.Duration

	// MaxContextTokens bounds the whole request. Recalled texts that do not
	// fit are dropped, least relevant first. Defaults to
	// budget.DefaultMaxContextTokens.
	MaxContextTokens int
}

// Context is the result of Build.
type Context struct {
	// SystemPrompt is the enhanced prompt.
	SystemPrompt string
	// Memories are the recalled memory texts included in the prompt.
	Memories []string
	// Notes are the recalled note texts included in the prompt.
	Notes []string
}

// Builder searches the memory and notes stores and assembles the prompt.
type Builder struct {
	memory Searcher
	notes  Searcher
	cfg    Config
	log    *slog.Logger
}

// NewBuilder constructs a Builder. Either store may be nil; it is then
// skipped.
func NewBuilder(memoryStore, notesStore Searcher, cfg Config, log *slog.Logger) *Builder {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultMaxContextTokens
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{memory: memoryStore, notes: notesStore, cfg: cfg, log: log}
}

// Build recalls context for userMessage and returns the enhanced prompt.
// Searches never fail; a store that errors or times out contributes nothing.
func (b *Builder) Build(ctx context.Context, userMessage string) Context {
	memories := b.search(ctx, b.memory, userMessage)
	notes := b.search(ctx, b.notes, userMessage)

	remaining := b.cfg.MaxContextTokens - budget.Estimate(b.cfg.SystemPrompt) - budget.Estimate(userMessage)
	memories = budget.FitTexts(memories, remaining)
	remaining -= estimateAll(memories)
	notes = budget.FitTexts(notes, remaining)

	var sb strings.Builder
	sb.WriteString(b.cfg.SystemPrompt)
	writeSection(&sb, "Relevant memories (if any):", memories)
	writeSection(&sb, "Relevant notes (if any):", notes)

	b.log.Debug("prompt: context built",
		slog.Int("memories", len(memories)),
		slog.Int("notes", len(notes)),
		slog.Int("tokens", budget.Estimate(sb.String())),
	)
	return Context{SystemPrompt: sb.String(), Memories: memories, Notes: notes}
}

// Messages returns the full request: the enhanced system message, as much
// of history as fits the budget, and the user message.
func (b *Builder) Messages(ctx context.Context, userMessage string, history []*schema.Message) []*schema.Message {
	c := b.Build(ctx, userMessage)
	sys := schema.SystemMessage(c.SystemPrompt)
	user := schema.UserMessage(userMessage)

	history = budget.TrimHistory([]*schema.Message{sys, user}, history, b.cfg.MaxContextTokens)
	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, sys)
	msgs = append(msgs, history...)
	return append(msgs, user)
}

func (b *Builder) search(ctx context.Context, s Searcher, query string) []string {
	if s == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	results := s.Search(ctx, query, b.cfg.TopK, b.cfg.Timeout)
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	return texts
}

func writeSection(sb *strings.Builder, title string, texts []string) {
	if len(texts) == 0 {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString(title)
	sb.WriteString("\n```\n")
	sb.WriteString(strings.Join(texts, "\n"))
	sb.WriteString("\n```")
}

func estimateAll(texts []string) int {
	n := 0
	for _, t := range texts {
		n += budget.Estimate(t) + 1
	}
	return n
}
