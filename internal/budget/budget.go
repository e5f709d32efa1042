// Package budget provides token budget estimation for the prompts memrag
// builds from recalled memories. The consuming chat model is unknown, so the
// package uses a character-based heuristic: 1 token ≈ 4 bytes for Latin
// text, and 1 token per character for CJK text, which BPE tokenizers rarely
// merge.
package budget

import (
	"unicode"

	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the conservative character-to-token ratio used for
	// estimation. 4 chars/token is standard for English and code; using 3
	// would be more aggressive but risks overflowing context windows.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// Conservative enough to fit within 8k-context models (Llama 3 8B, GPT-3.5)
	// while leaving room for the output. Override via Config.MaxContextTokens.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	wide, wideBytes := 0, 0
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			wide++
			wideBytes += len(string(r))
		}
	}
	n := wide + (len(s)-wideBytes)/charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Each message has a small per-message overhead (~4 tokens in most APIs).
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimHistory removes the oldest messages from history until the total
// estimated token count of fixed + history fits within maxTokens.
// fixed contains messages that must not be trimmed (the memory-enhanced
// system prompt and the current user message). history contains prior
// conversation turns that may be dropped oldest-first.
//
// Returns the trimmed history slice. If even an empty history exceeds the
// budget, the empty slice is returned. Fixed messages are never dropped.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := EstimateMessages(fixed)

	for len(history) > 0 {
		if fixedTokens+EstimateMessages(history) <= maxTokens {
			break
		}
		// Drop the oldest message.
		history = history[1:]
	}
	return history
}

// FitTexts returns the longest prefix of texts whose estimated token count
// fits within maxTokens. texts are expected in relevance order, so the least
// relevant ones are dropped first. maxTokens ≤ 0 disables the limit.
func FitTexts(texts []string, maxTokens int) []string {
	if maxTokens <= 0 {
		return texts
	}
	used := 0
	for i, t := range texts {
		// one token for the separating newline
		used += Estimate(t) + 1
		if used > maxTokens {
			return texts[:i]
		}
	}
	return texts
}
