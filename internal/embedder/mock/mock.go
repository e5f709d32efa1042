// Package mock provides deterministic rag.Embedder doubles for tests.
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// Vocabulary is a bag-of-words embedder. Every distinct lowercase word gets
// its own dimension the first time it is seen, so texts sharing words have a
// positive cosine similarity and texts sharing none are orthogonal. Once the
// vocabulary is full, further words are hashed into the existing dimensions.
// Vectors are returned unnormalised.
type Vocabulary struct {
	mu    sync.Mutex
	dims  int
	words map[string]int
	calls int
	texts int
	err   error
}

// NewVocabulary creates a Vocabulary embedder producing dims-length vectors.
func NewVocabulary(dims int) *Vocabulary {
	if dims <= 0 {
		dims = 256
	}
	return &Vocabulary{dims: dims, words: make(map[string]int)}
}

// Embed returns one word-count vector per text. When a failure has been
// injected with FailWith it returns that error instead.
func (v *Vocabulary) Embed(_ context.Context, texts []string) ([][]float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	v.texts += len(texts)

	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, v.dims)
		for _, w := range Words(t) {
			vec[v.dim(w)]++
		}
		out[i] = vec
	}
	return out, nil
}

// dim returns the dimension assigned to word. Callers hold v.mu.
func (v *Vocabulary) dim(word string) int {
	if d, ok := v.words[word]; ok {
		return d
	}
	if len(v.words) < v.dims {
		d := len(v.words)
		v.words[word] = d
		return d
	}
	h := fnv.New32a()
	h.Write([]byte(word))
	return int(h.Sum32() % uint32(v.dims))
}

// FailWith makes every subsequent Embed call return err. Pass nil to recover.
func (v *Vocabulary) FailWith(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

// Calls returns the number of Embed invocations, failed ones included.
func (v *Vocabulary) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// Texts returns the number of texts embedded successfully.
func (v *Vocabulary) Texts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.texts
}

// Dimensions returns the embedding size.
func (v *Vocabulary) Dimensions() int { return v.dims }

// Words splits text into lowercase words on anything that is not a letter
// or digit.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Static returns fixed vectors looked up by exact text. Texts without an
// entry get Default, or a zero vector of Default's length when Default is
// nil and Dims is set.
type Static struct {
	mu      sync.Mutex
	Vectors map[string][]float32
	Default []float32
	Dims    int
	calls   int
}

// Embed returns the configured vector for every text.
func (s *Static) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch v, ok := s.Vectors[t]; {
		case ok:
			out[i] = append([]float32(nil), v...)
		case s.Default != nil:
			out[i] = append([]float32(nil), s.Default...)
		default:
			out[i] = make([]float32, s.Dims)
		}
	}
	return out, nil
}

// Calls returns the number of Embed invocations.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
