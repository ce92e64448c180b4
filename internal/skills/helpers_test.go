package skills

import (
	"os"
	"path/filepath"
	"testing"
)

func validSkill(name string) string {
	return "---\nname: " + name + "\ndescription: test skill " + name + "\n---\n\nSummarize the unread items and list the three most important.\n"
}

func writeSkillFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write skill file: %v", err)
	}
	return path
}
