package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/54b3r/memrag/internal/rag"
)

// ModelEmbedder implements rag.Embedder by running a local embedding model
// through the Ollama /api/embed endpoint. It is safe for concurrent use. No
// API key is required since the model runs locally.
type ModelEmbedder struct {
	// host is the Ollama server base URL (e.g. "http://localhost:11434").
	host string
	// model is the embedding model name (e.g. "bge-m3").
	model string
	// instruction is prepended to every input.
	instruction string
	// batchSize caps the inputs sent per request.
	batchSize int
	// client is the shared HTTP client.
	client *http.Client
}

// modelEmbedRequest is the JSON body sent to the Ollama /api/embed endpoint.
type modelEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// modelEmbedResponse is the JSON body returned from the Ollama /api/embed endpoint.
type modelEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed converts texts into raw embeddings, batchSize texts per request.
// Newlines are replaced by spaces and the query instruction is prepended to
// every input.
func (e *ModelEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = e.instruction + strings.ReplaceAll(t, "\n", " ")
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(inputs); start += e.batchSize {
		end := min(start+e.batchSize, len(inputs))
		vecs, err := e.embedBatch(ctx, inputs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Model returns the configured model name.
func (e *ModelEmbedder) Model() string { return e.model }

// Endpoint returns the base URL requests are sent to.
func (e *ModelEmbedder) Endpoint() string { return e.host }

func (e *ModelEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	const op = "model embedder"

	payload, err := json.Marshal(modelEmbedRequest{Model: e.model, Input: batch})
	if err != nil {
		return nil, rag.Errorf(rag.KindEmbedding, op, "marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, rag.Errorf(rag.KindEmbedding, op, "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, rag.Errorf(rag.KindEmbedding, op, "request failed: %w", err)
	}
	defer resp.Body.Close()

	var result modelEmbedResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != "" {
			msg = result.Error
		}
		return nil, rag.Errorf(rag.KindEmbedding, op, "%s", msg)
	}
	if decodeErr != nil {
		return nil, rag.Errorf(rag.KindEmbedding, op, "decode response: %w", decodeErr)
	}
	if len(result.Embeddings) != len(batch) {
		return nil, rag.Errorf(rag.KindEmbedding, op, "expected %d embeddings, got %d", len(batch), len(result.Embeddings))
	}
	return result.Embeddings, nil
}
