package rag

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsKind_ThroughWrapping(t *testing.T) {
	t.Parallel()

	base := Errorf(KindEmbedding, "api embedder", "HTTP %d", 503)
	wrapped := fmt.Errorf("rag: add via cosine: %w", base)

	if !IsKind(wrapped, KindEmbedding) {
		t.Error("expected KindEmbedding through fmt wrapping")
	}
	if IsKind(wrapped, KindRerank) {
		t.Error("unexpected KindRerank")
	}
	if KindOf(wrapped) != KindEmbedding {
		t.Errorf("KindOf = %v", KindOf(wrapped))
	}
	if IsKind(errors.New("plain"), KindEmbedding) || KindOf(nil) != 0 {
		t.Error("plain errors carry no kind")
	}
}

func TestIsKind_NestedKinds(t *testing.T) {
	t.Parallel()

	inner := NewError(KindMalformedSnapshot, "cosine: load", errors.New("bad json"))
	outer := NewError(KindBackendUnavailable, "restore", inner)

	if !IsKind(outer, KindMalformedSnapshot) || !IsKind(outer, KindBackendUnavailable) {
		t.Error("expected both kinds to be visible")
	}
	if KindOf(outer) != KindBackendUnavailable {
		t.Errorf("KindOf should report the outermost kind, got %v", KindOf(outer))
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := NewError(KindSearchTimeout, "memory: search", nil)
	if got := err.Error(); got != "memory: search: search_timeout" {
		t.Errorf("unexpected message %q", got)
	}
	err = Errorf(KindRerank, "api reranker", "HTTP %d", 401)
	if !strings.Contains(err.Error(), "rerank: HTTP 401") {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Kind(42).String() != "kind(42)" {
		t.Errorf("unexpected unknown kind name %q", Kind(42).String())
	}
}
