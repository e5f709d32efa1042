package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
)

// MultiRecall fans queries out to one or more named recall paths and owns
// the canonical id → document table shared by all of them.
//
// Position i in every active recall path corresponds to docs[i]. Every
// mutating method preserves that alignment or returns an error. MultiRecall
// is not safe for concurrent use; callers serialise writers (see
// memory.Store).
type MultiRecall struct {
	// names lists the active recall paths in configuration order.
	names []string

	// methods maps an active recall path name to its implementation.
	methods map[string]Recall

	// docs is the id → text table. Keys are always 0..len(docs)-1.
	docs map[int]string

	log *slog.Logger
}

// NewMultiRecall builds every named recall path with build. A path that
// cannot be built is logged and omitted; the aggregator degrades to the
// paths that did come up. An error is returned only when no names are given
// or build is nil.
func NewMultiRecall(names []string, build BuildFunc, log *slog.Logger) (*MultiRecall, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("rag: at least one recall method is required")
	}
	if build == nil {
		return nil, fmt.Errorf("rag: recall builder must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	m := &MultiRecall{
		methods: make(map[string]Recall, len(names)),
		docs:    make(map[int]string),
		log:     log,
	}
	for _, name := range names {
		if _, dup := m.methods[name]; dup {
			log.Warn("rag: duplicate recall method ignored", "method", name)
			continue
		}
		r, err := build(name)
		if err == nil && r == nil {
			err = fmt.Errorf("builder returned nil")
		}
		if err != nil {
			log.Error("rag: recall method unavailable, continuing without it",
				"method", name,
				"kind", KindBackendUnavailable.String(),
				"error", err,
			)
			continue
		}
		m.names = append(m.names, name)
		m.methods[name] = r
	}
	if len(m.names) == 0 {
		log.Error("rag: no recall method could be initialised", "configured", names)
	}
	return m, nil
}

// Methods returns the names of the active recall paths.
func (m *MultiRecall) Methods() []string {
	return slices.Clone(m.names)
}

// Len returns the number of stored documents.
func (m *MultiRecall) Len() int { return len(m.docs) }

// Documents returns the stored texts in id order.
func (m *MultiRecall) Documents() []string {
	out := make([]string, len(m.docs))
	for i := range out {
		out[i] = m.docs[i]
	}
	return out
}

// Add indexes corpus in every active recall path and then assigns the new
// documents sequential ids. If any path fails, paths that already accepted
// the batch are truncated back to their previous length and the error is
// returned; the document table is left untouched.
func (m *MultiRecall) Add(ctx context.Context, corpus ...string) error {
	if len(corpus) == 0 {
		return nil
	}

	base := len(m.docs)
	done := make([]string, 0, len(m.names))
	for _, name := range m.names {
		r := m.methods[name]
		if err := r.Add(ctx, corpus, m.docs); err != nil {
			r.Truncate(base)
			for _, prev := range done {
				m.methods[prev].Truncate(base)
			}
			return fmt.Errorf("rag: add via %s: %w", name, err)
		}
		done = append(done, name)
	}

	for i, text := range corpus {
		m.docs[base+i] = text
	}
	m.log.Debug("rag: documents added", "count", len(corpus), "total", len(m.docs))
	return nil
}

// Retrieval sends query to the named recall paths (all active paths when
// methods is empty), concatenates their results and removes duplicates.
// The first occurrence of each document wins, so earlier paths and higher
// ranked hits keep their position.
func (m *MultiRecall) Retrieval(ctx context.Context, query string, methods []string, topK int) ([]string, error) {
	selected, err := m.selected(methods)
	if err != nil {
		return nil, err
	}

	var all []string
	for _, name := range selected {
		res, err := m.methods[name].Retrieval(ctx, query, m.docs, topK)
		if err != nil {
			return nil, fmt.Errorf("rag: retrieval via %s: %w", name, err)
		}
		all = append(all, res...)
	}
	return dedupe(all), nil
}

// RemoveByQuery removes every document whose similarity to query reaches
// opts.Threshold in any of the selected recall paths. The union of matches
// is sorted by descending id and capped at opts.MaxRemoveCount (values ≤ 0
// mean no cap), so the most recently added matches are removed first. The
// same id set is then deleted from every active path and from the document
// table, and the remaining documents are renumbered 0..n-1. The removed ids
// are returned in ascending order.
func (m *MultiRecall) RemoveByQuery(ctx context.Context, query string, opts RemoveOptions) ([]int, error) {
	selected, err := m.selected(opts.Methods)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]struct{})
	for _, name := range selected {
		ids, err := m.methods[name].Match(ctx, query, opts.Threshold)
		if err != nil {
			return nil, fmt.Errorf("rag: match via %s: %w", name, err)
		}
		for _, id := range ids {
			if _, ok := m.docs[id]; ok {
				seen[id] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return []int{}, nil
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	if opts.MaxRemoveCount > 0 && len(ids) > opts.MaxRemoveCount {
		m.log.Warn("rag: removal capped, keeping the most recent matches",
			"matched", len(ids),
			"max_remove_count", opts.MaxRemoveCount,
		)
		ids = ids[:opts.MaxRemoveCount]
	}

	for _, name := range m.names {
		if err := m.methods[name].Delete(ids); err != nil {
			// Paths deleted so far no longer match the table. Shrink every
			// path and the table to their common prefix so lookups stay safe.
			m.realign()
			return nil, fmt.Errorf("rag: delete via %s: %w", name, err)
		}
	}
	for _, id := range ids {
		m.log.Info("rag: document removed", "id", id, "text", m.docs[id])
		delete(m.docs, id)
	}
	m.reindex()

	slices.Sort(ids)
	return ids, nil
}

// CheckAlignment returns an error naming every recall path whose length
// differs from the number of stored documents.
func (m *MultiRecall) CheckAlignment() error {
	var errs []error
	for _, name := range m.names {
		if n := m.methods[name].Len(); n != len(m.docs) {
			errs = append(errs, fmt.Errorf("rag: method %s holds %d entries for %d documents", name, n, len(m.docs)))
		}
	}
	return errors.Join(errs...)
}

// Snapshot bundles every active recall path's payload with the document
// table.
func (m *MultiRecall) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		Methods: make(map[string]json.RawMessage, len(m.names)),
		Docs:    make(map[int]string, len(m.docs)),
	}
	for _, name := range m.names {
		payload, err := m.methods[name].Save()
		if err != nil {
			return Snapshot{}, fmt.Errorf("rag: save %s: %w", name, err)
		}
		snap.Methods[name] = payload
	}
	for id, text := range m.docs {
		snap.Docs[id] = text
	}
	return snap, nil
}

// Restore replaces the aggregator state with snap. Document ids are
// renumbered in ascending order to close gaps. A recall payload that is
// missing or cannot be applied is reported as KindMalformedSnapshot; in that
// case every path and the table are cut to their longest common prefix so
// the store keeps whatever loaded cleanly.
func (m *MultiRecall) Restore(snap Snapshot) error {
	var errs []error
	for _, name := range m.names {
		r := m.methods[name]
		payload, ok := snap.Methods[name]
		if !ok {
			r.Truncate(0)
			errs = append(errs, fmt.Errorf("no payload for method %s", name))
			continue
		}
		if err := r.Load(payload); err != nil {
			r.Truncate(0)
			errs = append(errs, fmt.Errorf("method %s: %w", name, err))
		}
	}

	m.docs = make(map[int]string, len(snap.Docs))
	for id, text := range snap.Docs {
		m.docs[id] = text
	}
	m.reindex()

	if err := m.CheckAlignment(); err != nil {
		errs = append(errs, err)
		m.realign()
	}
	if len(errs) > 0 {
		return NewError(KindMalformedSnapshot, "rag: restore", errors.Join(errs...))
	}
	return nil
}

// selected resolves a caller-supplied method subset. An empty subset means
// every active path.
func (m *MultiRecall) selected(methods []string) ([]string, error) {
	if len(methods) == 0 {
		return m.names, nil
	}
	for _, name := range methods {
		if _, ok := m.methods[name]; !ok {
			return nil, fmt.Errorf("rag: unknown recall method %q", name)
		}
	}
	return methods, nil
}

// reindex renumbers the document table to 0..n-1 keeping ascending id order.
func (m *MultiRecall) reindex() {
	ids := make([]int, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	docs := make(map[int]string, len(ids))
	for i, id := range ids {
		docs[i] = m.docs[id]
	}
	m.docs = docs
}

// realign truncates every path and the table to the shortest of them.
func (m *MultiRecall) realign() {
	n := len(m.docs)
	for _, name := range m.names {
		n = min(n, m.methods[name].Len())
	}
	for _, name := range m.names {
		m.methods[name].Truncate(n)
	}
	for id := range m.docs {
		if id >= n {
			delete(m.docs, id)
		}
	}
	m.log.Warn("rag: recall paths realigned", "documents", n)
}

// dedupe removes repeated strings, keeping the first occurrence.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
