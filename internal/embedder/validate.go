package embedder

import (
	"fmt"
	"log/slog"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are NOT suitable for embedding.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model. Names that
// contain "embed" are never treated as chat models.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "embed") {
		return false
	}
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate is a pre-flight check for cfg. It returns an error when the
// configuration is clearly broken and logs a warning when the model name
// looks like a chat model. Call it before New so operators get a clear
// message at startup rather than a failure on the first embed call.
func Validate(cfg Config, log *slog.Logger) error {
	switch cfg.Backend {
	case BackendModel:
	case BackendAPI:
		if cfg.APIKey == "" {
			return fmt.Errorf("embedder: API backend has no api_key, set API_KEY or recall.methods[].api_key")
		}
		if cfg.BaseURL == "" {
			log.Warn("embedder: API backend has no base_url, using the OpenAI default",
				slog.String("base_url", defaultAPIBaseURL),
			)
		}
	default:
		return fmt.Errorf("embedder: unknown backend %q, valid values: %s, %s", cfg.Backend, BackendModel, BackendAPI)
	}

	if cfg.Model != "" && looksLikeChatModel(cfg.Model) {
		log.Warn("embedder: model looks like a chat model, not an embedding model, "+
			"this will likely produce poor or broken embeddings",
			slog.String("model", cfg.Model),
			slog.String("hint", "use a dedicated embedding model e.g. bge-m3, nomic-embed-text, text-embedding-3-small"),
		)
	}
	return nil
}
