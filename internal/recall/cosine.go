package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/viant/vec/search"

	"github.com/54b3r/memrag/internal/rag"
)

// CosineConfig holds the tunables of a CosineIndex.
type CosineConfig struct {
	// Threshold is the minimum cosine similarity for a retrieval hit.
	Threshold float64

	// VectorDim, when > 0, is the required embedding length.
	VectorDim int
}

// CosineIndex is an in-memory brute-force cosine recall path. It stores one
// unit-normalised vector per document, positionally aligned with the
// document table it is handed.
type CosineIndex struct {
	embedder  rag.Embedder
	threshold float64
	dim       int
	vectors   [][]float32
	log       *slog.Logger
}

// compile-time interface check
var _ rag.Recall = (*CosineIndex)(nil)

// NewCosineIndex constructs an empty CosineIndex that embeds with embedder.
func NewCosineIndex(embedder rag.Embedder, cfg CosineConfig, log *slog.Logger) (*CosineIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("cosine: embedder must not be nil")
	}
	if cfg.VectorDim < 0 {
		return nil, fmt.Errorf("cosine: vector_dim must not be negative")
	}
	if log == nil {
		log = slog.Default()
	}
	return &CosineIndex{
		embedder:  embedder,
		threshold: cfg.Threshold,
		dim:       cfg.VectorDim,
		log:       log,
	}, nil
}

// Len returns the number of stored vectors.
func (c *CosineIndex) Len() int { return len(c.vectors) }

// Truncate drops every vector at position n and beyond.
func (c *CosineIndex) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(c.vectors) {
		c.vectors = slices.Clip(c.vectors[:n])
	}
}

// Add embeds corpus, normalises each vector and appends them in input
// order. A dimension mismatch rejects the whole batch. Zero-norm vectors are
// stored as zero vectors so positions stay aligned with the document table.
func (c *CosineIndex) Add(ctx context.Context, corpus []string, _ map[int]string) error {
	if len(corpus) == 0 {
		return nil
	}
	vecs, err := c.embed(ctx, "cosine: add", corpus)
	if err != nil {
		return err
	}

	want := c.dim
	if want == 0 && len(c.vectors) > 0 {
		want = len(c.vectors[0])
	}
	if want == 0 {
		want = len(vecs[0])
	}
	for i, v := range vecs {
		if len(v) != want {
			return rag.Errorf(rag.KindEmbedding, "cosine: add",
				"vector %d has %d dimensions, want %d", i, len(v), want)
		}
	}

	for i, v := range vecs {
		unit, ok := normalize(v)
		if !ok {
			c.log.Warn("cosine: zero-norm embedding stored as zero vector",
				"kind", rag.KindDegenerateVector.String(),
				"position", len(c.vectors),
				"text", corpus[i],
			)
		}
		c.vectors = append(c.vectors, unit)
	}
	return nil
}

// Retrieval returns documents around the best hits for query. The top
// ceil(topK/3) positions are considered in descending similarity and the
// scan stops at the first one below the threshold; every accepted position
// contributes itself and its immediate neighbours. Duplicates are removed
// keeping the first occurrence, so the output follows hit rank.
func (c *CosineIndex) Retrieval(ctx context.Context, query string, docs map[int]string, topK int) ([]string, error) {
	if len(c.vectors) == 0 || topK <= 0 {
		return []string{}, nil
	}
	sims, err := c.similarities(ctx, "cosine: retrieval", query)
	if err != nil {
		return nil, err
	}

	order := rank(sims)
	hits := (topK + 2) / 3
	last := len(c.vectors) - 1

	seen := make(map[string]struct{})
	out := make([]string, 0, hits*3)
	for _, i := range order[:min(hits, len(order))] {
		if float64(sims[i]) < c.threshold {
			break
		}
		for _, j := range []int{max(i-1, 0), i, min(i+1, last)} {
			text, ok := docs[j]
			if !ok {
				continue
			}
			if _, dup := seen[text]; dup {
				continue
			}
			seen[text] = struct{}{}
			out = append(out, text)
		}
	}
	return out, nil
}

// Match returns, in ascending order, every position whose similarity to
// query is at least threshold. Matches are logged from most to least
// similar.
func (c *CosineIndex) Match(ctx context.Context, query string, threshold float64) ([]int, error) {
	if len(c.vectors) == 0 {
		return []int{}, nil
	}
	sims, err := c.similarities(ctx, "cosine: match", query)
	if err != nil {
		return nil, err
	}

	var matched []int
	for _, i := range rank(sims) {
		if float64(sims[i]) < threshold {
			break
		}
		c.log.Debug("cosine: match", "position", i, "similarity", sims[i])
		matched = append(matched, i)
	}
	slices.Sort(matched)
	if matched == nil {
		matched = []int{}
	}
	return matched, nil
}

// Delete removes the vectors at positions, highest position first. Every
// position is validated before anything is removed.
func (c *CosineIndex) Delete(positions []int) error {
	ps := slices.Clone(positions)
	sort.Sort(sort.Reverse(sort.IntSlice(ps)))
	ps = slices.Compact(ps)
	for _, p := range ps {
		if p < 0 || p >= len(c.vectors) {
			return fmt.Errorf("cosine: delete: position %d out of range [0,%d)", p, len(c.vectors))
		}
	}
	for _, p := range ps {
		c.vectors = slices.Delete(c.vectors, p, p+1)
	}
	return nil
}

// RemoveByQuery deletes every vector whose similarity to query reaches
// threshold and returns the removed positions in ascending order. The
// document table is not touched; MultiRecall uses Match and Delete directly
// so it can apply one removal set to all recall paths.
func (c *CosineIndex) RemoveByQuery(ctx context.Context, query string, _ map[int]string, threshold float64) ([]int, error) {
	matched, err := c.Match(ctx, query, threshold)
	if err != nil {
		return nil, err
	}
	if err := c.Delete(matched); err != nil {
		return nil, err
	}
	return matched, nil
}

// Save returns the stored vectors as a JSON array of arrays.
func (c *CosineIndex) Save() (json.RawMessage, error) {
	vecs := c.vectors
	if vecs == nil {
		vecs = [][]float32{}
	}
	b, err := json.Marshal(vecs)
	if err != nil {
		return nil, fmt.Errorf("cosine: save: %w", err)
	}
	return b, nil
}

// Load replaces the stored vectors with payload. The vectors are taken as
// stored; they are not renormalised.
func (c *CosineIndex) Load(payload json.RawMessage) error {
	var vecs [][]float32
	if err := json.Unmarshal(payload, &vecs); err != nil {
		return rag.NewError(rag.KindMalformedSnapshot, "cosine: load", err)
	}
	for i, v := range vecs {
		if len(v) != len(vecs[0]) || (c.dim > 0 && len(v) != c.dim) {
			return rag.Errorf(rag.KindMalformedSnapshot, "cosine: load",
				"vector %d has %d dimensions", i, len(v))
		}
	}
	c.vectors = vecs
	return nil
}

// embed calls the embedder and checks it honoured the one-vector-per-text
// contract.
func (c *CosineIndex) embed(ctx context.Context, op string, texts []string) ([][]float32, error) {
	vecs, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		if rag.KindOf(err) == 0 {
			err = rag.NewError(rag.KindEmbedding, op, err)
		}
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, rag.Errorf(rag.KindEmbedding, op,
			"embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// similarities embeds query and scores it against every stored vector.
func (c *CosineIndex) similarities(ctx context.Context, op, query string) ([]float32, error) {
	vecs, err := c.embed(ctx, op, []string{query})
	if err != nil {
		return nil, err
	}
	q, _ := normalize(vecs[0])
	if len(q) != len(c.vectors[0]) {
		return nil, rag.Errorf(rag.KindEmbedding, op,
			"query has %d dimensions, index has %d", len(q), len(c.vectors[0]))
	}
	sims := make([]float32, len(c.vectors))
	for i, v := range c.vectors {
		sims[i] = similarity(q, v)
	}
	return sims, nil
}

// rank returns positions ordered by descending similarity. Ties keep
// insertion order.
func rank(sims []float32) []int {
	order := make([]int, len(sims))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sims[order[a]] > sims[order[b]] })
	return order
}

// normalize returns v scaled to unit length. A zero-norm vector yields a
// zero vector of the same length and false.
func normalize(v []float32) ([]float32, bool) {
	out := make([]float32, len(v))
	mag := search.Float32s(v).Magnitude()
	if mag == 0 {
		return out, false
	}
	for i, x := range v {
		out[i] = x / mag
	}
	return out, true
}

// similarity is the cosine similarity of two unit vectors, clamped to
// [-1, 1]. A zero vector is similar to nothing.
func similarity(a, b []float32) float32 {
	if isZero(a) || isZero(b) {
		return 0
	}
	s := 1 - search.Float32s(a).CosineDistance(b)
	return max(-1, min(1, s))
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
