// Package mock provides a rag.Reranker double for tests.
package mock

import (
	"context"
	"sync"
)

// Reranker returns the first k distinct documents in input order. It counts
// calls and can be told to fail.
type Reranker struct {
	mu    sync.Mutex
	calls int
	last  []string
	err   error
}

// Rerank records the call and returns the first k distinct docs.
func (r *Reranker) Rerank(_ context.Context, docs []string, _ string, k int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	r.last = append([]string(nil), docs...)
	if r.err != nil {
		return nil, r.err
	}

	seen := make(map[string]struct{}, len(docs))
	out := make([]string, 0, k)
	for _, d := range docs {
		if len(out) == k {
			break
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (r *Reranker) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Calls returns the number of Rerank invocations.
func (r *Reranker) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// LastDocs returns the candidate list of the most recent call.
func (r *Reranker) LastDocs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.last...)
}
