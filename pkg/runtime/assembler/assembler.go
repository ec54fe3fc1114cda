// Package assembler selects the conversation turns that fit a decision
// prompt's token budget.
package assembler

import (
	"sort"
)

// Item is one rendered turn. Ordering and deduplication are based on Seq.
type Item struct {
	Seq    int
	Kind   string
	Text   string
	Pinned bool
}

// AssemblyLog summarizes the assembly decision.
type AssemblyLog struct {
	IncludedTokens int // tokens of included items
	DroppedCount   int // items excluded due to budget (duplicates are not counted)
}

// TokenEstimator estimates token usage of text content.
type TokenEstimator func(text string) int

// Assembler deterministically assembles a trace window respecting pins,
// dedup and token budget.
type Assembler struct {
	estimate  TokenEstimator
	maxTokens int
}

// Option configures the Assembler.
type Option func(*Assembler)

// WithTokenEstimator sets the token estimator. Defaults to rune length.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(a *Assembler) {
		if est != nil {
			a.estimate = est
		}
	}
}

// WithMaxTokens sets the maximum token budget. Defaults to a large value (1e9).
func WithMaxTokens(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// New creates a new Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		estimate:  func(s string) int { return len([]rune(s)) },
		maxTokens: 1_000_000_000,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble returns the selected items in Seq order.
// Behavior:
//   - Deduplicate by Seq, keeping the first occurrence.
//   - Include pinned items first (oldest first), subject to budget.
//   - Then fill the remaining budget with the newest items.
//   - Never exceed the max token budget.
func (a *Assembler) Assemble(items []Item) ([]Item, AssemblyLog) {
	seen := make(map[int]bool, len(items))
	var pinned, rest []Item
	for _, it := range items {
		if seen[it.Seq] {
			continue
		}
		seen[it.Seq] = true
		if it.Pinned {
			pinned = append(pinned, it)
		} else {
			rest = append(rest, it)
		}
	}
	sort.Slice(pinned, func(i, j int) bool { return pinned[i].Seq < pinned[j].Seq })
	sort.Slice(rest, func(i, j int) bool { return rest[i].Seq > rest[j].Seq })

	budget := a.maxTokens
	var log AssemblyLog
	result := make([]Item, 0, len(seen))
	take := func(it Item) {
		cost := a.estimate(it.Text)
		if cost > budget {
			log.DroppedCount++
			return
		}
		budget -= cost
		log.IncludedTokens += cost
		result = append(result, it)
	}
	for _, it := range pinned {
		take(it)
	}
	for _, it := range rest {
		take(it)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result, log
}
