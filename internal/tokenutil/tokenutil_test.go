package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{
		"": 0,
		// word count dominates prose: 11 words -> 14
		"list the top three and say why for each of them": 14,
		// the byte floor dominates code: 37 bytes -> 9
		`func main() { fmt.Println("hello") }`: 9,
		// eight CJK runes, 24 bytes, one field -> 6
		"你好世界欢迎光临": 6,
		"ok": 1,
	}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestEstimateAll(t *testing.T) {
	if got := EstimateAll(); got != 0 {
		t.Fatalf("EstimateAll() = %d, want 0", got)
	}
	if got := EstimateAll("", "ok", `func main() { fmt.Println("hello") }`); got != 10 {
		t.Fatalf("EstimateAll = %d, want 10", got)
	}
}
