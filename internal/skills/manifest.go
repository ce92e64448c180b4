package skills

import (
	"strconv"
	"strings"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/shared"
)

// Manifest is an admitted-or-candidate skill definition.
type Manifest struct {
	ID          string
	Description string
	Version     string
	Author      string
	// ToolAllow is nil when the skill declares no restriction. A non-nil
	// empty slice allows nothing.
	ToolAllow    []string
	ToolDeny     []string
	Budget       budget.Budget
	ResultRoute  *shared.ResultRoute
	Instructions string
	FilePath     string
	// Extra keeps header keys this version does not interpret.
	Extra map[string]Value
}

// ValueKind is the type of a header value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
)

// Value is a parsed header value. Raw keeps the unquoted source text of a
// scalar so numbers like "1.10" survive verbatim.
type Value struct {
	Kind ValueKind
	Raw  string
	Bool bool
	Num  float64
	List []Value
}

// String renders a scalar as text. Lists render as a comma-joined string.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindList:
		parts := make([]string, 0, len(v.List))
		for _, item := range v.List {
			parts = append(parts, item.String())
		}
		return strings.Join(parts, ", ")
	default:
		return v.Raw
	}
}

// Strings returns the value as a list of non-empty strings. A scalar yields a
// one-element list; null yields nil.
func (v Value) Strings() []string {
	switch v.Kind {
	case KindNull:
		return nil
	case KindList:
		out := make([]string, 0, len(v.List))
		for _, item := range v.List {
			if s := strings.TrimSpace(item.String()); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := strings.TrimSpace(v.String()); s != "" {
			return []string{s}
		}
		return []string{}
	}
}

// CanonicalSkillKey returns a normalized key used for collision detection.
func CanonicalSkillKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
