package ingestion

import (
	"strings"
	"unicode/utf8"
)

// SplitParagraphs splits text on blank lines and returns the trimmed
// paragraphs longer than minLen characters, in document order.
func SplitParagraphs(text string, minLen int) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" || utf8.RuneCountInString(p) <= minLen {
			continue
		}
		out = append(out, p)
	}
	return out
}

// chunk splits text into overlapping chunks of at most size characters.
// Text that already fits is returned as a single chunk. Boundaries are
// counted in runes so multi-byte text is never cut mid-character.
func chunk(text string, size, overlap int) []string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if size <= 0 || len(runes) <= size {
		return []string{string(runes)}
	}

	var chunks []string
	for start := 0; start < len(runes); start += size - overlap {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
