// Package reranker provides the rag.Reranker backends. Only the remote
// rerank API is implemented; Backend keeps the selection closed so a local
// cross-encoder can be added without touching callers.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/54b3r/memrag/internal/rag"
)

// Backend selects a rerank implementation.
type Backend string

// BackendAPI is a remote /rerank endpoint (Cohere/Jina/SiliconFlow style).
const BackendAPI Backend = "API"

const (
	// DefaultModel is the rerank model used when none is configured.
	DefaultModel = "netease-youdao/bce-reranker-base_v1"

	defaultTimeout = 60 * time.Second
)

// Config holds the settings for constructing a reranker.
type Config struct {
	// Backend selects the implementation.
	Backend Backend
	// BaseURL is the API base URL; "/rerank" is appended.
	BaseURL string
	// APIKey is the Bearer token.
	APIKey string
	// Model is the rerank model name.
	Model string
	// Timeout bounds each HTTP request. Defaults to 60s.
	Timeout time.Duration
	// HTTPClient overrides the client used for requests.
	HTTPClient *http.Client
}

// New constructs the reranker selected by cfg.Backend. An unknown backend or
// an unusable configuration is reported as rag.KindBackendUnavailable.
func New(cfg Config) (rag.Reranker, error) {
	switch cfg.Backend {
	case BackendAPI:
		if cfg.BaseURL == "" {
			return nil, rag.Errorf(rag.KindBackendUnavailable, "reranker: new",
				"API backend requires a base_url (set BASE_URL)")
		}
		client := cfg.HTTPClient
		if client == nil {
			timeout := cfg.Timeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			client = &http.Client{Timeout: timeout}
		}
		model := cfg.Model
		if model == "" {
			model = DefaultModel
		}
		return &APIReranker{
			baseURL: strings.TrimRight(cfg.BaseURL, "/"),
			apiKey:  cfg.APIKey,
			model:   model,
			client:  client,
		}, nil
	default:
		return nil, rag.Errorf(rag.KindBackendUnavailable, "reranker: new",
			"unknown backend %q, valid values: %s", cfg.Backend, BackendAPI)
	}
}

// ParseBackend converts a configuration string into a Backend.
func ParseBackend(s string) (Backend, error) {
	if strings.EqualFold(strings.TrimSpace(s), string(BackendAPI)) {
		return BackendAPI, nil
	}
	return "", fmt.Errorf("reranker: unknown backend %q, valid values: %s", s, BackendAPI)
}

// APIReranker implements rag.Reranker against a remote /rerank endpoint.
// It is safe for concurrent use.
type APIReranker struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// Rerank de-duplicates docs, asks the endpoint for the k best, and returns
// them by descending relevance score. An empty docs list returns nothing
// without a request.
func (r *APIReranker) Rerank(ctx context.Context, docs []string, query string, k int) ([]string, error) {
	const op = "api reranker"

	uniq := unique(docs)
	if len(uniq) == 0 || k <= 0 {
		return []string{}, nil
	}

	payload, err := json.Marshal(rerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: uniq,
		TopN:      k,
	})
	if err != nil {
		return nil, rag.Errorf(rag.KindRerank, op, "marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, rag.Errorf(rag.KindRerank, op, "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, rag.Errorf(rag.KindRerank, op, "request failed: %w", err)
	}
	defer resp.Body.Close()

	var result rerankResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Message != "" {
			msg = result.Message
		}
		return nil, rag.Errorf(rag.KindRerank, op, "%s", msg)
	}
	if decodeErr != nil {
		return nil, rag.Errorf(rag.KindRerank, op, "decode response: %w", decodeErr)
	}

	sort.SliceStable(result.Results, func(i, j int) bool {
		return result.Results[i].RelevanceScore > result.Results[j].RelevanceScore
	})
	out := make([]string, 0, min(k, len(result.Results)))
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(uniq) {
			return nil, rag.Errorf(rag.KindRerank, op, "result index %d out of range [0,%d)", res.Index, len(uniq))
		}
		out = append(out, uniq[res.Index])
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Model returns the configured model name.
func (r *APIReranker) Model() string { return r.model }

// Endpoint returns the base URL requests are sent to.
func (r *APIReranker) Endpoint() string { return r.baseURL }

// unique drops repeated documents keeping the first occurrence.
func unique(docs []string) []string {
	seen := make(map[string]struct{}, len(docs))
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
