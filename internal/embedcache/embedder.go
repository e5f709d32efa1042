package embedcache

import (
	"context"
	"log/slog"

	"github.com/54b3r/memrag/internal/rag"
)

// Embedder wraps a rag.Embedder with the cache. Only texts that miss are
// forwarded, in one call, so the wrapped backend still sees input order.
type Embedder struct {
	cache     *Cache
	namespace string
	next      rag.Embedder
}

// compile-time interface check
var _ rag.Embedder = (*Embedder)(nil)

// Wrap returns next fronted by the cache. namespace must identify everything
// that changes the vectors next produces (backend, model, instruction).
func (c *Cache) Wrap(namespace string, next rag.Embedder) *Embedder {
	return &Embedder{cache: c, namespace: namespace, next: next}
}

// Embed returns cached vectors where available and embeds the rest. Cache
// read and write failures are logged and treated as misses; they never fail
// the call.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		vec, ok, err := e.cache.Get(ctx, e.namespace, t)
		if err != nil {
			e.cache.log.Warn("embedcache: read failed, embedding instead",
				slog.String("namespace", e.namespace),
				slog.Any("error", err),
			)
		}
		if ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, rag.Errorf(rag.KindEmbedding, "embedcache",
			"backend returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		if err := e.cache.Put(ctx, e.namespace, missTexts[j], vecs[j]); err != nil {
			e.cache.log.Warn("embedcache: write failed",
				slog.String("namespace", e.namespace),
				slog.Any("error", err),
			)
		}
	}
	return out, nil
}
