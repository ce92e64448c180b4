package safety

import "regexp"

// LeakWarning describes a secret found in run output.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated match, safe to log
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`SG\.[A-Za-z0-9_\-]{16,}\.[A-Za-z0-9_\-]{16,}`),
		desc: "SendGrid API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// ScanLeaks checks output text for leaked secrets without modifying it.
func ScanLeaks(output string) []LeakWarning {
	if output == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:10] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}
