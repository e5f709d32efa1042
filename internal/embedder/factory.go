// Package embedder provides the rag.Embedder backends. The set is closed:
// BackendModel runs a local embedding model through an Ollama server and
// BackendAPI calls an OpenAI-compatible embeddings endpoint. Both talk plain
// HTTP, so no provider SDK is required.
package embedder

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/memrag/internal/rag"
)

// Backend selects an embedding implementation.
type Backend string

const (
	// BackendModel is local-model inference (Ollama /api/embed).
	BackendModel Backend = "Model"
	// BackendAPI is a remote OpenAI-compatible /embeddings endpoint.
	BackendAPI Backend = "API"
)

// Default settings per backend.
const (
	defaultModelHost  = "http://localhost:11434"
	defaultModelName  = "bge-m3"
	defaultAPIBaseURL = "https://api.openai.com/v1"
	defaultAPIModel   = "text-embedding-3-small"

	// DefaultBatchSize is the number of texts sent per local inference call.
	DefaultBatchSize = 64

	// defaultTimeout bounds each HTTP round trip.
	defaultTimeout = 60 * time.Second
)

// BGEQueryInstruction is the retrieval prefix BGE models were trained with.
const BGEQueryInstruction = "为这个句子生成表示以用于检索相关文章："

// Config holds the settings for constructing any embedder backend.
type Config struct {
	// Backend selects the implementation.
	Backend Backend

	// BaseURL is the server or API base URL.
	BaseURL string

	// APIKey is the Bearer token for BackendAPI. Ignored by BackendModel.
	APIKey string

	// Model is the embedding model name.
	Model string

	// QueryInstruction is prepended to every input of BackendModel. When nil,
	// models whose name contains "bge" get BGEQueryInstruction and others get
	// no prefix. Point it at "" to disable the prefix explicitly.
	QueryInstruction *string

	// BatchSize caps the inputs per request for BackendModel.
	BatchSize int

	// Timeout bounds each HTTP request. Defaults to 60s.
	Timeout time.Duration

	// HTTPClient overrides the client used for requests. Tests use it.
	HTTPClient *http.Client
}

// New constructs the embedder selected by cfg.Backend. An unknown backend or
// an unusable configuration is reported as rag.KindBackendUnavailable.
func New(cfg Config) (rag.Embedder, error) {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	switch cfg.Backend {
	case BackendModel:
		host := strings.TrimRight(orDefault(cfg.BaseURL, defaultModelHost), "/")
		model := orDefault(cfg.Model, defaultModelName)
		batch := cfg.BatchSize
		if batch <= 0 {
			batch = DefaultBatchSize
		}
		return &ModelEmbedder{
			host:        host,
			model:       model,
			instruction: queryInstruction(model, cfg.QueryInstruction),
			batchSize:   batch,
			client:      client,
		}, nil

	case BackendAPI:
		if cfg.APIKey == "" {
			return nil, rag.Errorf(rag.KindBackendUnavailable, "embedder: new",
				"API backend requires an api_key (set API_KEY)")
		}
		return &APIEmbedder{
			baseURL: strings.TrimRight(orDefault(cfg.BaseURL, defaultAPIBaseURL), "/"),
			apiKey:  cfg.APIKey,
			model:   orDefault(cfg.Model, defaultAPIModel),
			client:  client,
		}, nil

	default:
		return nil, rag.Errorf(rag.KindBackendUnavailable, "embedder: new",
			"unknown backend %q, valid values: %s, %s", cfg.Backend, BackendModel, BackendAPI)
	}
}

// ParseBackend converts a configuration string into a Backend. Matching is
// case-insensitive.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "model":
		return BackendModel, nil
	case "api":
		return BackendAPI, nil
	default:
		return "", fmt.Errorf("embedder: unknown backend %q, valid values: %s, %s", s, BackendModel, BackendAPI)
	}
}

// queryInstruction resolves the effective input prefix for model.
func queryInstruction(model string, explicit *string) string {
	if explicit != nil {
		return *explicit
	}
	if strings.Contains(strings.ToLower(model), "bge") {
		return BGEQueryInstruction
	}
	return ""
}

// orDefault returns v, or fallback when v is empty.
func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
