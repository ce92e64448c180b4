// Package pricing estimates the USD cost of an agent turn that reported token
// counts but no cost.
package pricing

import (
	"sort"
	"strings"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing. Dated snapshots such as "gpt-4o-2024-08-06" resolve
// through the longest matching prefix.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	"gemini-2.5-pro":        {1.25, 10.00},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
}

var prefixes = func() []string {
	out := make([]string, 0, len(knownModels))
	for k := range knownModels {
		out = append(out, k)
	}
	// Longest first so "gpt-4o-mini" wins over "gpt-4o".
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()

// Lookup resolves a model name, with or without a "provider/" prefix.
func Lookup(model string) (ModelPricing, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if p, ok := knownModels[name]; ok {
		return p, true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix+"-") {
			return knownModels[prefix], true
		}
	}
	return ModelPricing{}, false
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
