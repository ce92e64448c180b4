// Package budget holds per-run resource ceilings and the consumption
// snapshots recorded against them.
package budget

import (
	"fmt"
	"strings"
)

// Budget is a set of optional ceilings. A nil field is unbounded; a zero
// value is a real ceiling of zero.
type Budget struct {
	MaxTokens       *int64   `json:"maxTokens,omitempty"`
	MaxCostUSD      *float64 `json:"maxCostUsd,omitempty"`
	MaxWallClockMs  *int64   `json:"maxWallClockMs,omitempty"`
	MaxToolCalls    *int     `json:"maxToolCalls,omitempty"`
	MaxMemoryWrites *int     `json:"maxMemoryWrites,omitempty"`
}

// Snapshot is the consumption of a single run.
type Snapshot struct {
	TokensUsed       int64   `json:"tokensUsed"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
	WallClockMs      int64   `json:"wallClockMs"`
	ToolCalls        int     `json:"toolCalls"`
	MemoryWrites     int     `json:"memoryWrites"`
}

// IsZero reports whether no ceiling is set.
func (b Budget) IsZero() bool {
	return b.MaxTokens == nil && b.MaxCostUSD == nil && b.MaxWallClockMs == nil &&
		b.MaxToolCalls == nil && b.MaxMemoryWrites == nil
}

// Override returns b with every ceiling set in o replacing b's value.
func (b Budget) Override(o Budget) Budget {
	out := b
	if o.MaxTokens != nil {
		out.MaxTokens = o.MaxTokens
	}
	if o.MaxCostUSD != nil {
		out.MaxCostUSD = o.MaxCostUSD
	}
	if o.MaxWallClockMs != nil {
		out.MaxWallClockMs = o.MaxWallClockMs
	}
	if o.MaxToolCalls != nil {
		out.MaxToolCalls = o.MaxToolCalls
	}
	if o.MaxMemoryWrites != nil {
		out.MaxMemoryWrites = o.MaxMemoryWrites
	}
	return out
}

// Violation names the first ceiling a snapshot went past.
type Violation struct {
	Field string
	Used  string
	Limit string
}

func (v Violation) Error() string {
	return fmt.Sprintf("budget exceeded: %s %s > %s", v.Field, v.Used, v.Limit)
}

// Check compares s with b. Usage equal to a ceiling is within budget.
func (b Budget) Check(s Snapshot) *Violation {
	if b.MaxTokens != nil && s.TokensUsed > *b.MaxTokens {
		return &Violation{Field: "tokens", Used: fmt.Sprint(s.TokensUsed), Limit: fmt.Sprint(*b.MaxTokens)}
	}
	if b.MaxCostUSD != nil && s.EstimatedCostUSD > *b.MaxCostUSD {
		return &Violation{Field: "cost_usd", Used: formatUSD(s.EstimatedCostUSD), Limit: formatUSD(*b.MaxCostUSD)}
	}
	if b.MaxWallClockMs != nil && s.WallClockMs > *b.MaxWallClockMs {
		return &Violation{Field: "wall_clock_ms", Used: fmt.Sprint(s.WallClockMs), Limit: fmt.Sprint(*b.MaxWallClockMs)}
	}
	if b.MaxToolCalls != nil && s.ToolCalls > *b.MaxToolCalls {
		return &Violation{Field: "tool_calls", Used: fmt.Sprint(s.ToolCalls), Limit: fmt.Sprint(*b.MaxToolCalls)}
	}
	if b.MaxMemoryWrites != nil && s.MemoryWrites > *b.MaxMemoryWrites {
		return &Violation{Field: "memory_writes", Used: fmt.Sprint(s.MemoryWrites), Limit: fmt.Sprint(*b.MaxMemoryWrites)}
	}
	return nil
}

// Format renders the ceilings for CLI output.
func (b Budget) Format() string {
	if b.IsZero() {
		return "unbounded"
	}
	var parts []string
	if b.MaxTokens != nil {
		parts = append(parts, fmt.Sprintf("tokens<=%d", *b.MaxTokens))
	}
	if b.MaxCostUSD != nil {
		parts = append(parts, "cost<="+formatUSD(*b.MaxCostUSD))
	}
	if b.MaxWallClockMs != nil {
		parts = append(parts, fmt.Sprintf("wall<=%dms", *b.MaxWallClockMs))
	}
	if b.MaxToolCalls != nil {
		parts = append(parts, fmt.Sprintf("tools<=%d", *b.MaxToolCalls))
	}
	if b.MaxMemoryWrites != nil {
		parts = append(parts, fmt.Sprintf("memwrites<=%d", *b.MaxMemoryWrites))
	}
	return strings.Join(parts, " ")
}

func formatUSD(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
