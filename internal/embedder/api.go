package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/54b3r/memrag/internal/rag"
)

// APIEmbedder implements rag.Embedder against an OpenAI-compatible
// embeddings REST API. It issues one blocking request per text. It is safe
// for concurrent use.
type APIEmbedder struct {
	// baseURL is the API base (e.g. "https://api.openai.com/v1").
	baseURL string
	// apiKey is the Bearer token.
	apiKey string
	// model is the embedding model name.
	model string
	// client is the shared HTTP client.
	client *http.Client
}

// apiEmbedRequest is the JSON body sent to the embeddings endpoint.
type apiEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// apiEmbedResponse is the JSON body returned from the embeddings endpoint.
type apiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed converts texts into embeddings, one request per text in input
// order. The first failure aborts the call; no partial result is returned.
func (e *APIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, rag.Errorf(rag.KindEmbedding, "api embedder", "text %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// Model returns the configured model name.
func (e *APIEmbedder) Model() string { return e.model }

// Endpoint returns the base URL requests are sent to.
func (e *APIEmbedder) Endpoint() string { return e.baseURL }

func (e *APIEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(apiEmbedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result apiEmbedResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return nil, fmt.Errorf("%s", msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("response contained no embedding")
	}
	return result.Data[0].Embedding, nil
}
