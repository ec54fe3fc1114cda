package assembler

import (
	"testing"
)

func seqs(items []Item) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.Seq
	}
	return out
}

func TestAssemble_Pinning_Dedup_Budget(t *testing.T) {
	est := func(text string) int { return len([]rune(text)) }
	asm := New(WithTokenEstimator(est), WithMaxTokens(10))

	items := []Item{
		{Seq: 1, Kind: "user_request", Text: "abcd", Pinned: true}, // 4 tokens
		{Seq: 2, Kind: "tool_call", Text: "efg"},                   // 3 tokens, oldest so dropped
		{Seq: 3, Kind: "tool_result", Text: "hi"},                  // 2 tokens
		{Seq: 3, Kind: "tool_result", Text: "hi"},                  // duplicate
		{Seq: 4, Kind: "tool_call", Text: "jkl"},                   // 3 tokens
	}
	out, log := asm.Assemble(items)

	// Pinned 1 (4), then newest first: 4 (3) and 3 (2) fit, 2 (3) would exceed 10.
	got := seqs(out)
	want := []int{1, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if log.IncludedTokens != 9 || log.DroppedCount != 1 {
		t.Fatalf("log mismatch: %+v", log)
	}
}

func TestAssemble_PinnedOverBudgetIsDropped(t *testing.T) {
	asm := New(WithMaxTokens(3))
	out, log := asm.Assemble([]Item{
		{Seq: 1, Text: "a very long request", Pinned: true},
		{Seq: 2, Text: "ok"},
	})
	if len(out) != 1 || out[0].Seq != 2 || log.DroppedCount != 1 {
		t.Fatalf("out=%v log=%+v", seqs(out), log)
	}
}

func TestAssemble_DeterministicOrder(t *testing.T) {
	asm := New()
	items := []Item{{Seq: 3, Text: "x"}, {Seq: 1, Text: "x"}, {Seq: 2, Text: "x"}}
	out, _ := asm.Assemble(items)
	if got := seqs(out); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("order: %v", got)
	}
}
