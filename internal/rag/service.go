package rag

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultRecallTopK is the recall width used by Req before reranking.
const DefaultRecallTopK = 10

// ServiceConfig holds the tunables of a Service.
type ServiceConfig struct {
	// RecallTopK is the top_k passed to recall before reranking narrows the
	// candidates down. Defaults to DefaultRecallTopK.
	RecallTopK int

	// Remove supplies the defaults for RemoveByQuery.
	Remove RemoveOptions
}

// Service composes a MultiRecall with a Reranker into the full retrieval
// pipeline: wide recall, then rerank to the caller's top_k.
type Service struct {
	recall   *MultiRecall
	reranker Reranker
	cfg      ServiceConfig
	log      *slog.Logger
}

// NewService constructs a Service. reranker may be nil, in which case Req
// truncates the recall list instead of reranking it.
func NewService(recall *MultiRecall, reranker Reranker, cfg ServiceConfig, log *slog.Logger) (*Service, error) {
	if recall == nil {
		return nil, fmt.Errorf("rag: recall must not be nil")
	}
	if cfg.RecallTopK <= 0 {
		cfg.RecallTopK = DefaultRecallTopK
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{recall: recall, reranker: reranker, cfg: cfg, log: log}, nil
}

// Req returns up to topK documents relevant to query. The reranker is not
// called when recall produced no candidates, and a rerank failure is
// returned as is, without falling back to recall order.
func (s *Service) Req(ctx context.Context, query string, topK int) ([]string, error) {
	candidates, err := s.recall.Retrieval(ctx, query, nil, s.cfg.RecallTopK)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []string{}, nil
	}

	if s.reranker == nil {
		if topK > 0 && len(candidates) > topK {
			candidates = candidates[:topK]
		}
		return candidates, nil
	}

	ranked, err := s.reranker.Rerank(ctx, candidates, query, topK)
	if err != nil {
		return nil, fmt.Errorf("rag: rerank %d candidates: %w", len(candidates), err)
	}
	s.log.Debug("rag: request served", "candidates", len(candidates), "results", len(ranked))
	return ranked, nil
}

// Add indexes corpus in every recall path.
func (s *Service) Add(ctx context.Context, corpus ...string) error {
	return s.recall.Add(ctx, corpus...)
}

// RemoveByQuery removes documents similar to query. Zero fields in opts are
// filled from the configured removal defaults.
func (s *Service) RemoveByQuery(ctx context.Context, query string, opts RemoveOptions) ([]int, error) {
	if opts.Threshold == 0 {
		opts.Threshold = s.cfg.Remove.Threshold
	}
	if opts.MaxRemoveCount == 0 {
		opts.MaxRemoveCount = s.cfg.Remove.MaxRemoveCount
	}
	if len(opts.Methods) == 0 {
		opts.Methods = s.cfg.Remove.Methods
	}
	return s.recall.RemoveByQuery(ctx, query, opts)
}

// Snapshot returns the serialisable state of the underlying recall.
func (s *Service) Snapshot() (Snapshot, error) { return s.recall.Snapshot() }

// Restore replaces the underlying recall state with snap.
func (s *Service) Restore(snap Snapshot) error { return s.recall.Restore(snap) }

// Len returns the number of stored documents.
func (s *Service) Len() int { return s.recall.Len() }

// Documents returns the stored texts in id order.
func (s *Service) Documents() []string { return s.recall.Documents() }

// CheckAlignment reports recall paths out of step with the document table.
func (s *Service) CheckAlignment() error { return s.recall.CheckAlignment() }

// Methods returns the active recall path names.
func (s *Service) Methods() []string { return s.recall.Methods() }
