// Package recall provides the concrete recall paths that plug into
// rag.MultiRecall. Only brute-force cosine similarity is implemented; the
// factory is the single place new algorithms are registered.
package recall

import (
	"fmt"
	"log/slog"

	"github.com/54b3r/memrag/internal/rag"
)

// Algorithm identifies a recall implementation.
type Algorithm string

const (
	// Cosine is brute-force cosine similarity over normalised embeddings.
	Cosine Algorithm = "cosine"
)

// Options carries what every recall algorithm may need.
type Options struct {
	// Embedder converts texts to vectors.
	Embedder rag.Embedder

	// Threshold is the minimum similarity for a hit.
	Threshold float64

	// VectorDim is the expected embedding length (0 = length of the first vector).
	VectorDim int

	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// New constructs the recall path for algo. Unknown algorithms and
// construction failures are reported as rag.KindBackendUnavailable.
func New(algo Algorithm, opts Options) (rag.Recall, error) {
	switch algo {
	case Cosine:
		idx, err := NewCosineIndex(opts.Embedder, CosineConfig{
			Threshold: opts.Threshold,
			VectorDim: opts.VectorDim,
		}, opts.Logger)
		if err != nil {
			return nil, rag.NewError(rag.KindBackendUnavailable, "recall: new", err)
		}
		return idx, nil
	default:
		return nil, rag.NewError(rag.KindBackendUnavailable, "recall: new",
			fmt.Errorf("unsupported algorithm %q (supported: %s)", algo, Cosine))
	}
}
