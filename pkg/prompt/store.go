// Package prompt keeps versioned prompt templates used by the decision
// function. Every saved version is linted; templates use text/template.
package prompt

import (
	"bytes"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// Prompt represents a versioned prompt artifact.
type Prompt struct {
	Name    string            `json:"name" yaml:"name"`
	Version int               `json:"version" yaml:"version"`
	Body    string            `json:"body" yaml:"body"`
	Meta    map[string]string `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Issue describes a lint finding.
type Issue struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

var secretLike = regexp.MustCompile(`(?i)aws_secret_access_key|BEGIN [A-Z ]*PRIVATE KEY|\bsk-[A-Za-z0-9]{8,}|password\s*[:=]\s*\S+`)

// Lint runs basic checks on prompts: name and body present, the body parses
// as a template, declared placeholders are referenced and no secret-like
// content is embedded.
func Lint(p Prompt) []Issue {
	var issues []Issue
	if p.Name == "" {
		issues = append(issues, Issue{Rule: "name.required", Message: "name is required"})
	}
	if strings.TrimSpace(p.Body) == "" {
		issues = append(issues, Issue{Rule: "body.required", Message: "body is empty"})
	}
	if _, err := template.New(p.Name).Parse(p.Body); err != nil {
		issues = append(issues, Issue{Rule: "template.parse", Message: err.Error()})
	}
	for _, field := range strings.Fields(p.Meta["requires"]) {
		if !strings.Contains(p.Body, "."+field) {
			issues = append(issues, Issue{Rule: "template.placeholder", Message: "body does not reference ." + field})
		}
	}
	if secretLike.MatchString(p.Body) {
		issues = append(issues, Issue{Rule: "security.secrets", Message: "body appears to contain secrets-like content"})
	}
	return issues
}

// Store is an in-memory versioned prompt store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]Prompt // name -> versions (ascending)
}

func NewStore() *Store { return &Store{data: make(map[string][]Prompt)} }

var (
	ErrLintFailed = errors.New("prompt failed lint checks")
	ErrNotFound   = errors.New("prompt not found")
)

// Save adds a new version. If name exists, version increments by 1; otherwise starts at 1.
// Saving a body identical to the latest version returns that version unchanged.
// Lint failures return ErrLintFailed with issues.
func (s *Store) Save(p Prompt) (Prompt, []Issue, error) {
	if issues := Lint(p); len(issues) > 0 {
		return Prompt{}, issues, ErrLintFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.data[p.Name]
	next := 1
	if n := len(versions); n > 0 {
		if versions[n-1].Body == p.Body {
			return versions[n-1], nil, nil
		}
		next = versions[n-1].Version + 1
	}
	np := Prompt{Name: p.Name, Version: next, Body: p.Body, Meta: p.Meta}
	s.data[p.Name] = append(versions, np)
	return np, nil, nil
}

// Get retrieves specific version; if version==0 returns latest.
func (s *Store) Get(name string, version int) (Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.data[name]
	if len(versions) == 0 {
		return Prompt{}, false
	}
	if version <= 0 {
		return versions[len(versions)-1], true
	}
	i := sort.Search(len(versions), func(i int) bool { return versions[i].Version >= version })
	if i < len(versions) && versions[i].Version == version {
		return versions[i], true
	}
	return Prompt{}, false
}

// List returns all versions for a name in ascending order.
func (s *Store) List(name string) []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Prompt(nil), s.data[name]...)
}

// Names returns the stored prompt names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for n := range s.data {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Render executes the given version (0 for latest) with data.
func (s *Store) Render(name string, version int, data any) (string, error) {
	p, ok := s.Get(name, version)
	if !ok {
		return "", ErrNotFound
	}
	tmpl, err := template.New(p.Name).Option("missingkey=error").Parse(p.Body)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
