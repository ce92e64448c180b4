package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/clawtask/internal/policy"
)

func writePolicy(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoad_MissingFileAllowsEverything(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.AllowTool("mail.read") {
		t.Fatal("default policy has no ceiling")
	}
	if p.AllowTool("") {
		t.Fatal("empty tool names are never allowed")
	}
}

func TestLoad_CeilingAndDeny(t *testing.T) {
	path := writePolicy(t, "allow_tools:\n  - mail.*\n  - notes.write\ndeny_tools:\n  - mail.send\n")
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	cases := map[string]bool{
		"mail.read":   true,
		"MAIL.Read":   true,
		"mail.send":   false,
		"mail":        false,
		"notes.write": true,
		"notes.read":  false,
		"shell.exec":  false,
	}
	for tool, want := range cases {
		if got := p.AllowTool(tool); got != want {
			t.Errorf("AllowTool(%q) = %v, want %v", tool, got, want)
		}
	}
}

func TestLoad_InvalidPattern(t *testing.T) {
	path := writePolicy(t, "deny_tools:\n  - \"mail*read\"\n")
	if _, err := policy.Load(path); err == nil {
		t.Fatal("expected invalid wildcard to fail validation")
	}
}

func TestResolve_IntersectsAllowAndUnionsDeny(t *testing.T) {
	global := policy.Policy{DenyTools: []string{"shell.*"}}
	task := policy.Layer{Name: "task", Allow: []string{"mail.read", "web.fetch", "shell.exec"}}
	skill := policy.Layer{Name: "skill", Allow: []string{"mail.*", "shell.exec"}, Deny: []string{"web.fetch"}}

	scope := policy.Resolve(global, task, skill)
	if !scope.Allows("mail.read") {
		t.Fatal("mail.read is in both allow lists")
	}
	if scope.Allows("web.fetch") {
		t.Fatal("web.fetch is denied by the skill")
	}
	if scope.Allows("shell.exec") {
		t.Fatal("shell.exec is denied globally")
	}
	if scope.Allows("mail.send") {
		t.Fatal("mail.send is not in the task allow list")
	}
	if scope.Unrestricted() {
		t.Fatal("scope has allow lists")
	}
}

func TestResolve_EmptyAllowPermitsNothing(t *testing.T) {
	scope := policy.Resolve(policy.Default(), policy.Layer{Allow: []string{}})
	if scope.Allows("anything") {
		t.Fatal("declared empty allow list must permit nothing")
	}
	scope = policy.Resolve(policy.Default(), policy.Layer{Allow: nil})
	if !scope.Allows("anything") || !scope.Unrestricted() {
		t.Fatal("nil allow list declares no restriction")
	}
}

func TestLivePolicy_ReloadFromFile(t *testing.T) {
	lp := policy.NewLivePolicy(policy.Default())
	v1 := lp.PolicyVersion()
	path := writePolicy(t, "deny_tools: [shell.exec]\n")
	if err := policy.ReloadFromFile(lp, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if lp.AllowTool("shell.exec") {
		t.Fatal("expected reloaded deny to apply")
	}
	if lp.PolicyVersion() == v1 {
		t.Fatal("expected policy version to change")
	}

	bad := writePolicy(t, "deny_tools: [\"a*b\"]\n")
	if err := policy.ReloadFromFile(lp, bad); err == nil {
		t.Fatal("expected invalid reload to fail")
	}
	if lp.AllowTool("shell.exec") {
		t.Fatal("previous policy must remain active after a failed reload")
	}
	snap := lp.Snapshot()
	if len(snap.DenyTools) != 1 {
		t.Fatalf("snapshot: got %+v", snap)
	}
}
