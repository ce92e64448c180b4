// Package tokenutil approximates token counts for agent services that do not
// report usage.
package tokenutil

import "strings"

// tokensPerWord is the average for English prose.
const tokensPerWord = 1.33

// EstimateTokens returns max(words*1.33, bytes/4). The byte floor keeps code
// and CJK text from being undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	byWords := int(float64(len(strings.Fields(content))) * tokensPerWord)
	byBytes := len(content) / 4
	return max(byWords, byBytes)
}

// EstimateAll sums the estimate for each part. Empty parts count zero.
func EstimateAll(parts ...string) int {
	n := 0
	for _, p := range parts {
		n += EstimateTokens(p)
	}
	return n
}
