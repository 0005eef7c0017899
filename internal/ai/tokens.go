package ai

import "strings"

// EstimateTokens approximates a tokenizer: one token per word plus one per
// non-ASCII rune.
func EstimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}
