package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/basket/clawtask/internal/doctor"
)

func TestPrintDiagnosis(t *testing.T) {
	d := doctor.Diagnosis{
		System: doctor.SystemInfo{Version: "v-test", OS: "linux", Arch: "amd64", Go: "go1.24"},
		Results: []doctor.CheckResult{
			{Name: "Config", Status: doctor.StatusPass, Message: "ok"},
			{Name: "Agent Turn", Status: doctor.StatusFail, Message: "agent_turn.url not set", Detail: "set it"},
		},
	}
	var stdout, stderr bytes.Buffer
	if code := printDiagnosis(d, false, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 with a failing check, got %d", code)
	}
	out := stdout.String()
	for _, want := range []string{"clawtask v-test", "[PASS]", "[FAIL]", "set it"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	d.Results = d.Results[:1]
	stdout.Reset()
	if code := printDiagnosis(d, true, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), `"status": "PASS"`) {
		t.Fatalf("expected JSON output:\n%s", stdout.String())
	}
}
