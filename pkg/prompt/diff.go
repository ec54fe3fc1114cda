package prompt

import (
	"strconv"

	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff returns a unified diff between two strings, or "" when equal.
func UnifiedDiff(a, b, fromName, toName string) string {
	if a == b {
		return ""
	}
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return out
}

// Diff returns unified diff between two versions of a prompt name, or empty string if not found.
func (s *Store) Diff(name string, v1, v2 int) string {
	p1, ok1 := s.Get(name, v1)
	p2, ok2 := s.Get(name, v2)
	if !ok1 || !ok2 {
		return ""
	}
	return UnifiedDiff(p1.Body, p2.Body, name+"@v"+strconv.Itoa(p1.Version), name+"@v"+strconv.Itoa(p2.Version))
}
