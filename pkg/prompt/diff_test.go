package prompt

import (
	"strings"
	"testing"
)

func TestUnifiedDiff(t *testing.T) {
	a := "Hello\nWorld\n"
	b := "Hello\nEveryone\n"
	d := UnifiedDiff(a, b, "a", "b")
	if !strings.Contains(d, "-World") || !strings.Contains(d, "+Everyone") {
		t.Fatalf("unexpected diff: %q", d)
	}
	if UnifiedDiff(a, a, "a", "b") != "" {
		t.Fatal("equal inputs should give empty diff")
	}
}

func TestStoreDiff(t *testing.T) {
	s := NewStore()
	p1, _, err := s.Save(Prompt{Name: "x", Body: "A"})
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := s.Save(Prompt{Name: "x", Body: "B"})
	if err != nil {
		t.Fatal(err)
	}
	d := s.Diff("x", p1.Version, p2.Version)
	if !strings.Contains(d, "x@v1") || !strings.Contains(d, "x@v2") {
		t.Fatalf("expected headers in diff: %q", d)
	}
	if s.Diff("x", 1, 9) != "" {
		t.Fatal("missing version should give empty diff")
	}
}
