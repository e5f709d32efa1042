// Package rag defines the retrieval-augmented-memory core: the embedding,
// reranking, and recall contracts, the multi-recall aggregator that owns the
// document table, and the retrieval service that composes recall with
// reranking. Concrete backends (HTTP embedders, the cosine index, the rerank
// client) live in their own packages and satisfy these interfaces so the
// core never depends on a specific backend.
package rag

import (
	"context"
	"encoding/json"
)

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice. Implementations
	// return raw (unnormalized) vectors and never return partial results:
	// any failure yields an error of kind KindEmbedding.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Reranker is the second-stage relevance scorer applied to recall output.
// Implementations must be safe to call from multiple goroutines.
type Reranker interface {
	// Rerank returns at most k of docs ordered by descending relevance to
	// query. The input is treated as a set: duplicates are collapsed and
	// their relative order is not preserved.
	Rerank(ctx context.Context, docs []string, query string, k int) ([]string, error)
}

// Recall is a single recall path owned by MultiRecall. It stores one entry
// per document, positionally: entry i corresponds to document id i. A Recall
// never owns document text; it only reads the shared table passed in.
//
// Recall implementations are not safe for concurrent use. MultiRecall and
// its callers provide single-writer discipline.
type Recall interface {
	// Add indexes corpus, appending one entry per text in input order.
	// docs is the current document table and must not be mutated.
	Add(ctx context.Context, corpus []string, docs map[int]string) error

	// Retrieval returns candidate documents for query, looked up in docs.
	Retrieval(ctx context.Context, query string, docs map[int]string, topK int) ([]string, error)

	// Match returns the positions whose similarity to query is at least
	// threshold, in ascending order. Nothing is removed.
	Match(ctx context.Context, query string, threshold float64) ([]int, error)

	// Delete removes the entries at the given positions. Positions are
	// processed from highest to lowest so earlier deletions never shift the
	// ones still pending.
	Delete(positions []int) error

	// Len returns the number of stored entries.
	Len() int

	// Truncate drops every entry at position n and beyond.
	Truncate(n int)

	// Save returns the opaque snapshot payload for this recall path.
	Save() (json.RawMessage, error)

	// Load replaces the recall state with a payload produced by Save.
	Load(payload json.RawMessage) error
}

// BuildFunc constructs the recall path registered under name.
type BuildFunc func(name string) (Recall, error)

// RemoveOptions parameterises a threshold-based removal pass.
type RemoveOptions struct {
	// Threshold is the minimum cosine similarity for a document to be removed.
	Threshold float64

	// Methods restricts matching to the named recall paths. Empty means all.
	// Every active path still deletes the final set to stay aligned.
	Methods []string

	// MaxRemoveCount caps the number of documents removed in one call.
	// When more documents match, the highest ids are kept for removal.
	MaxRemoveCount int
}
