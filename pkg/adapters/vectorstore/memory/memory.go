// Package memory is an in-process VectorStore using exact cosine similarity.
package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/wilhg/netorch/pkg/adapters/vectorstore"
)

// Store keeps items per namespace.
type Store struct {
	mu     sync.RWMutex
	byNSID map[string]map[string]vectorstore.Item // namespace -> id -> item
}

// New creates an empty store.
func New() *Store {
	return &Store{byNSID: make(map[string]map[string]vectorstore.Item)}
}

var _ vectorstore.VectorStore = (*Store)(nil)

func namespace(ns string) string {
	if ns == "" {
		return vectorstore.DefaultNamespace
	}
	return ns
}

// Upsert inserts or replaces items.
func (s *Store) Upsert(_ context.Context, items []vectorstore.Item) error {
	for _, it := range items {
		if it.ID == "" {
			return errors.New("memory vectorstore: empty id")
		}
		if len(it.Vector) == 0 {
			return errors.New("memory vectorstore: empty vector")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		ns := namespace(it.Namespace)
		bucket, ok := s.byNSID[ns]
		if !ok {
			bucket = make(map[string]vectorstore.Item)
			s.byNSID[ns] = bucket
		}
		it.Namespace = ns
		it.Vector = append(vectorstore.Vector(nil), it.Vector...)
		bucket[it.ID] = it
	}
	return nil
}

// Delete removes ids from namespace.
func (s *Store) Delete(_ context.Context, ns string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.byNSID[namespace(ns)]
	for _, id := range ids {
		delete(bucket, id)
	}
	return nil
}

// Len reports how many items namespace holds.
func (s *Store) Len(ns string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byNSID[namespace(ns)])
}

// Query ranks the namespace's items by cosine similarity to query. Items of
// a different dimension are skipped.
func (s *Store) Query(_ context.Context, query vectorstore.Vector, k int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	qnorm := math.Sqrt(dot(query, query))
	if qnorm == 0 {
		return nil, errors.New("memory vectorstore: zero-norm query vector")
	}
	s.mu.RLock()
	bucket := s.byNSID[namespace(filter.Namespace)]
	matches := make([]vectorstore.Match, 0, len(bucket))
	for _, it := range bucket {
		if len(it.Vector) != len(query) || !metaEquals(it.Metadata, filter.Equals) {
			continue
		}
		matches = append(matches, vectorstore.Match{Item: it, Score: cosine(query, it.Vector, qnorm)})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Item.ID < matches[j].Item.ID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func metaEquals(have map[string]any, want map[string]any) bool {
	for k, v := range want {
		if hv, ok := have[k]; !ok || hv != v {
			return false
		}
	}
	return true
}

func cosine(a, b vectorstore.Vector, qnorm float64) float32 {
	denom := qnorm * math.Sqrt(dot(b, b))
	if denom == 0 {
		return 0
	}
	return float32(dot(a, b) / denom)
}

func dot(a, b vectorstore.Vector) float64 {
	var s float64
	for i := range min(len(a), len(b)) {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
