package skills

import (
	"regexp"

	"github.com/basket/clawtask/internal/safety"
)

// Severity orders scan findings. Only critical blocks admission.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Scan rule identifiers.
const (
	RuleInjectionPattern = "injection_pattern"
	RuleDangerousTool    = "dangerous_tool"
	RulePromptOverride   = "prompt_override"
	RuleBudgetEvasion    = "budget_evasion"
)

// Finding is one rule hit.
type Finding struct {
	Rule        string
	Severity    Severity
	Message     string
	MatchedText string
}

// ScanResult is the outcome of scanning one manifest. Passed is false exactly
// when Severity is critical.
type ScanResult struct {
	Passed   bool
	Severity Severity
	Findings []Finding
}

// InjectionDetector reports whether text looks like a prompt injection.
type InjectionDetector interface {
	DetectInjection(text string, strict bool) bool
}

type rule struct {
	re      *regexp.Regexp
	message string
}

func mustRules(pairs ...string) []rule {
	out := make([]rule, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, rule{re: regexp.MustCompile(`(?i)` + pairs[i]), message: pairs[i+1]})
	}
	return out
}

var dangerousToolRules = mustRules(
	`\b(exec(ute)?|run)\s+(a\s+|the\s+|any\s+)?(shell|bash|terminal|system)\s+(commands?|scripts?)\b`, "shell command execution",
	`\b(os\.system|subprocess|child_process|shell_exec|popen)\b`, "process execution API",
	`\brm\s+-(rf|fr|r)\b`, "recursive delete",
	`\bmkfs(\.\w+)?\b`, "filesystem format",
	`\bdd\s+if=`, "raw disk write",
	`\bchmod\s+(-R\s+)?777\b`, "world-writable permissions",
	`\b(eval|exec)\s*\(`, "dynamic code evaluation",
	`\bspawn\s+(a\s+)?(new\s+)?(background\s+)?process(es)?\b`, "process spawning",
	`\b(curl|wget)\b[^|\n]*\|\s*(sudo\s+)?(ba|z)?sh\b`, "piping a download into a shell",
	`\b(delete|remove|overwrite|wipe)\s+(all\s+)?(the\s+)?(user'?s\s+)?(files?|director(y|ies)|folders?|home\s+directory)\b`, "filesystem mutation",
)

var promptOverrideRules = mustRules(
	`\bignore\s+(all\s+)?(of\s+)?(your|the)\s+(system\s+prompt|instructions|rules)\b`, "instructs the agent to ignore its system prompt",
	`\bnew\s+system\s+prompt\s*:`, "substitutes a new system prompt",
	`\byou\s+are\s+no\s+longer\b`, "identity reset",
	`\byou\s+are\s+now\s+(a|an|the)\s+\w+`, "identity substitution",
	`\bfrom\s+now\s+on,?\s+you\s+(are|will\s+act\s+as)\b`, "identity substitution",
	`\bpretend\s+(to\s+be|you\s+are)\b`, "identity substitution",
)

var budgetEvasionRules = mustRules(
	`\bretry\s+(forever|indefinitely|infinitely|endlessly|until\s+it\s+succeeds)\b`, "unbounded retries",
	`\b(infinite|endless)\s+loops?\b`, "infinite loop",
	`\bloop\s+forever\b`, "infinite loop",
	`\bspawn\s+(\w+\s+)?(sub-?agents?|child\s+agents?)\b`, "spawns sub-agents",
	`\b(ignore|bypass|override|disregard|exceed)\s+(the\s+|any\s+|all\s+|your\s+)?(budget|token|cost|rate)\s*(limits?|caps?|ceilings?)?\b`, "evades budget limits",
	`\bunlimited\s+(tokens|budget|tool\s+calls)\b`, "claims unlimited budget",
)

// Scanner statically inspects skill instructions before admission. It is a
// pattern check; the runtime tool scope is what actually bounds a skill.
type Scanner struct {
	detector InjectionDetector
}

// NewScanner builds a Scanner around detector. A nil detector uses the
// built-in pattern detector.
func NewScanner(detector InjectionDetector) *Scanner {
	if detector == nil {
		detector = safety.NewDetector()
	}
	return &Scanner{detector: detector}
}

// Scan runs every rule category over m.Instructions.
func (s *Scanner) Scan(m Manifest) ScanResult {
	text := m.Instructions
	var findings []Finding

	if s.detector.DetectInjection(text, true) {
		findings = append(findings, Finding{
			Rule:     RuleInjectionPattern,
			Severity: SeverityCritical,
			Message:  "instructions contain a prompt-injection pattern",
		})
	}

	dangerousSeverity := SeverityCritical
	if len(m.ToolAllow) > 0 {
		dangerousSeverity = SeverityWarning
	}
	findings = appendMatches(findings, text, dangerousToolRules, RuleDangerousTool, dangerousSeverity)
	findings = appendMatches(findings, text, promptOverrideRules, RulePromptOverride, SeverityCritical)
	findings = appendMatches(findings, text, budgetEvasionRules, RuleBudgetEvasion, SeverityWarning)

	result := ScanResult{Findings: findings}
	for _, f := range findings {
		if f.Severity > result.Severity {
			result.Severity = f.Severity
		}
	}
	result.Passed = result.Severity != SeverityCritical
	return result
}

func appendMatches(findings []Finding, text string, rules []rule, name string, sev Severity) []Finding {
	for _, r := range rules {
		if m := r.re.FindString(text); m != "" {
			findings = append(findings, Finding{
				Rule:        name,
				Severity:    sev,
				Message:     r.message,
				MatchedText: m,
			})
		}
	}
	return findings
}
