// Package eval runs offline regression checks: prompt fixtures rendered
// from the prompt store, and captured decision sequences replayed through
// the orchestrator.
package eval

import (
	"encoding/json"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/wilhg/netorch/pkg/prompt"
)

// Fixture represents one prompt evaluation case. Prompt names a stored
// prompt; Version 0 means latest.
type Fixture struct {
	Name    string         `json:"name"`
	Prompt  string         `json:"prompt"`
	Version int            `json:"version,omitempty"`
	Vars    map[string]any `json:"vars"`
	Expect  Expectation    `json:"expect"`
}

type Expectation struct {
	Contains    []string `json:"contains,omitempty"`
	NotContains []string `json:"not_contains,omitempty"`
}

// Score summarizes a batch of fixtures or replays.
type Score struct {
	Total   int      `json:"total"`
	Passed  int      `json:"passed"`
	Details []string `json:"details,omitempty"`
}

// Ratio returns Passed/Total, or 1 for an empty batch.
func (s Score) Ratio() float64 {
	if s.Total == 0 {
		return 1
	}
	return float64(s.Passed) / float64(s.Total)
}

// EvaluatePromptFixtures loads fixtures from the json files in dir, renders
// each against store and checks the expectations.
func EvaluatePromptFixtures(fsys fs.FS, dir string, store *prompt.Store) (Score, error) {
	fixtures, err := loadFixtures(fsys, dir)
	if err != nil {
		return Score{}, err
	}
	var sc Score
	sc.Total = len(fixtures)
	for _, fx := range fixtures {
		out, rerr := store.Render(fx.Prompt, fx.Version, fx.Vars)
		if rerr != nil {
			sc.Details = append(sc.Details, fx.Name+": render error: "+rerr.Error())
			continue
		}
		ok := true
		for _, s := range fx.Expect.Contains {
			if !strings.Contains(out, s) {
				ok = false
				sc.Details = append(sc.Details, fx.Name+": missing contains: "+s)
			}
		}
		for _, s := range fx.Expect.NotContains {
			if strings.Contains(out, s) {
				ok = false
				sc.Details = append(sc.Details, fx.Name+": unexpected contains: "+s)
			}
		}
		if ok {
			sc.Passed++
		}
	}
	return sc, nil
}

func loadFixtures(fsys fs.FS, dir string) ([]Fixture, error) {
	var out []Fixture
	err := readJSONDir(fsys, dir, func(name string, b []byte) error {
		var fx Fixture
		if err := json.Unmarshal(b, &fx); err != nil {
			return err
		}
		if fx.Name == "" {
			fx.Name = strings.TrimSuffix(name, ".json")
		}
		out = append(out, fx)
		return nil
	})
	return out, err
}

// readJSONDir calls fn for every .json file in dir, in name order.
func readJSONDir(fsys fs.FS, dir string, fn func(name string, b []byte) error) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := fn(e.Name(), b); err != nil {
			return err
		}
	}
	return nil
}
