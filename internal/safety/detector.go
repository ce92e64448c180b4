// Package safety detects prompt-injection text in skill instructions and
// secret leaks in run output.
package safety

import (
	"regexp"
	"strings"
)

// Level is how confident a pattern match is.
type Level int

const (
	// LevelNone means the text is clean.
	LevelNone Level = iota
	// LevelSuspicious matches markers that are often, but not always, hostile.
	LevelSuspicious
	// LevelHostile matches text that only makes sense as an injection.
	LevelHostile
)

// Match is the first pattern a text tripped.
type Match struct {
	Level   Level
	Reason  string
	Pattern string
	Text    string
}

// Detector is a pattern-based prompt-injection detector.
type Detector struct {
	patterns []injectionPattern
}

// NewDetector creates a Detector with the built-in pattern set.
func NewDetector() *Detector {
	return &Detector{patterns: injectionPatterns}
}

type injectionPattern struct {
	re     *regexp.Regexp
	level  Level
	reason string
}

var injectionPatterns = []injectionPattern{
	// Role manipulation attempts.
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		level:  LevelHostile,
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(disregard\s+(all\s+)?(previous|above|prior|earlier)\s+(instructions?|directions?|context))\b`),
		level:  LevelHostile,
		reason: "role manipulation: disregard previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`),
		level:  LevelHostile,
		reason: "role manipulation: memory wipe",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(override\s+(the\s+)?(system\s+)?prompt|system\s+prompt\s+override)\b`),
		level:  LevelHostile,
		reason: "role manipulation: system prompt override",
	},
	// Prompt leaking attempts.
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|print|repeat|leak)\s+(\w+\s+)?(your\s+)(system\s+)?(prompt|instructions?)\b`),
		level:  LevelHostile,
		reason: "prompt leaking: system prompt extraction",
	},
	// Injection markers.
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		level:  LevelSuspicious,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		level:  LevelSuspicious,
		reason: "injection marker: chat template tag",
	},
	{
		re:     regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`), // base64 of "ignore"/"Ignore"
		level:  LevelSuspicious,
		reason: "potential encoded injection",
	},
	{
		re:     regexp.MustCompile(`[\x{200B}-\x{200F}\x{202A}-\x{202E}\x{2066}-\x{2069}]`),
		level:  LevelSuspicious,
		reason: "hidden unicode control characters",
	},
}

// Inspect returns the strongest match in text. Hostile patterns are tried
// before suspicious ones.
func (d *Detector) Inspect(text string) Match {
	if strings.TrimSpace(text) == "" {
		return Match{}
	}
	var best Match
	for _, pat := range d.patterns {
		if pat.level <= best.Level {
			continue
		}
		if loc := pat.re.FindStringIndex(text); loc != nil {
			best = Match{
				Level:   pat.level,
				Reason:  pat.reason,
				Pattern: pat.re.String(),
				Text:    text[loc[0]:loc[1]],
			}
			if best.Level == LevelHostile {
				break
			}
		}
	}
	return best
}

// DetectInjection reports whether text looks like an injection attempt. In
// strict mode suspicious markers count as positive too.
func (d *Detector) DetectInjection(text string, strict bool) bool {
	m := d.Inspect(text)
	if strict {
		return m.Level >= LevelSuspicious
	}
	return m.Level >= LevelHostile
}
