package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/memrag/internal/logging"
	"github.com/54b3r/memrag/internal/memory"
)

// fakeSearcher returns fixed texts and records the requested top_k.
type fakeSearcher struct {
	texts   []string
	gotTopK int
	calls   int
}

func (f *fakeSearcher) Search(_ context.Context, _ string, topK int, _ time.Duration) []memory.Result {
	f.calls++
	f.gotTopK = topK
	out := make([]memory.Result, len(f.texts))
	for i, t := range f.texts {
		out[i] = memory.Result{Rank: i + 1, Text: t}
	}
	return out
}

func TestBuild_Sections(t *testing.T) {
	t.Parallel()
	mem := &fakeSearcher{texts: []string{"user: I like tea\nbot: noted", "user prefers mornings"}}
	notes := &fakeSearcher{texts: []string{"tea shop opens at 9"}}
	b := NewBuilder(mem, notes, Config{SystemPrompt: "You are a helpful assistant."}, logging.Discard())

	got := b.Build(context.Background(), "when should I buy tea?")

	want := "You are a helpful assistant." +
		"\n\nRelevant memories (if any):\n```\nuser: I like tea\nbot: noted\nuser prefers mornings\n```" +
		"\n\nRelevant notes (if any):\n```\ntea shop opens at 9\n```"
	if got.SystemPrompt != want {
		t.Errorf("prompt mismatch:\n got %q\nwant %q", got.SystemPrompt, want)
	}
	if mem.gotTopK != DefaultTopK || notes.gotTopK != DefaultTopK {
		t.Errorf("top_k not defaulted: %d %d", mem.gotTopK, notes.gotTopK)
	}
}

func TestBuild_NothingRecalled(t *testing.T) {
	t.Parallel()
	b := NewBuilder(&fakeSearcher{}, nil, Config{SystemPrompt: "base"}, logging.Discard())
	if got := b.Build(context.Background(), "hello"); got.SystemPrompt != "base" {
		t.Errorf("expected base prompt unchanged, got %q", got.SystemPrompt)
	}
}

func TestBuild_EmptyQuerySkipsSearch(t *testing.T) {
	t.Parallel()
	mem := &fakeSearcher{texts: []string{"x"}}
	b := NewBuilder(mem, nil, Config{}, logging.Discard())
	b.Build(context.Background(), "   ")
	if mem.calls != 0 {
		t.Errorf("empty query must not search, got %d calls", mem.calls)
	}
}

func TestBuild_Budget(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 400) // 100 tokens
	mem := &fakeSearcher{texts: []string{long, long, long}}
	notes := &fakeSearcher{texts: []string{long}}
	b := NewBuilder(mem, notes, Config{MaxContextTokens: 250}, logging.Discard())

	got := b.Build(context.Background(), "q")
	if len(got.Memories) != 2 || len(got.Notes) != 0 {
		t.Errorf("want 2 memories and 0 notes within budget, got %d and %d", len(got.Memories), len(got.Notes))
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()
	b := NewBuilder(&fakeSearcher{texts: []string{"remembered fact"}}, nil, Config{SystemPrompt: "sys"}, logging.Discard())

	history := []*schema.Message{
		schema.UserMessage("earlier question"),
		schema.AssistantMessage("earlier answer", nil),
	}
	msgs := b.Messages(context.Background(), "new question", history)
	if len(msgs) != 4 {
		t.Fatalf("want 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != schema.System || !strings.Contains(msgs[0].Content, "remembered fact") {
		t.Errorf("unexpected system message %+v", msgs[0])
	}
	if msgs[3].Role != schema.User || msgs[3].Content != "new question" {
		t.Errorf("unexpected last message %+v", msgs[3])
	}
}
