// Package fake provides a deterministic embedder for tests. Each lowercase
// word is hashed into one dimension, so texts sharing words score as similar.
package fake

import (
	"context"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/wilhg/netorch/pkg/adapters/embedding"
)

// Embedder is a feature-hashing bag-of-words embedder.
type Embedder struct {
	dim   int
	calls atomic.Int64
}

// New returns a fake embedder producing vectors of dim (>= 8) dimensions.
func New(dim int) *Embedder {
	return &Embedder{dim: max(dim, 8)}
}

func (e *Embedder) Name() string { return "fake" }

// Inputs reports how many texts have been embedded so far.
func (e *Embedder) Inputs() int { return int(e.calls.Load()) }

func (e *Embedder) Embed(ctx context.Context, inputs []string, _ map[string]any) ([]embedding.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]embedding.Vector, len(inputs))
	for i, s := range inputs {
		vec := make(embedding.Vector, e.dim)
		for _, w := range strings.FieldsFunc(strings.ToLower(s), isSeparator) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			vec[h.Sum32()%uint32(e.dim)]++
		}
		out[i] = vec
	}
	e.calls.Add(int64(len(inputs)))
	return out, nil
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func init() {
	_ = embedding.Register("fake", func(context.Context, map[string]any) (embedding.Embedder, error) {
		return New(256), nil
	})
}
