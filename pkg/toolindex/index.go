// Package toolindex ranks registry tools by semantic similarity to a query.
// Each tool's signature and description is embedded once; Sync re-embeds
// only tools whose text changed.
package toolindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilhg/netorch/pkg/adapters/embedding"
	"github.com/wilhg/netorch/pkg/adapters/vectorstore"
	"github.com/wilhg/netorch/pkg/adapters/vectorstore/memory"
	"github.com/wilhg/netorch/pkg/tool"
)

const namespace = "tools"

// Hit is one ranked tool.
type Hit struct {
	Name  string  `json:"name"`
	Score float32 `json:"score"`
}

// Index embeds tool schemas into a vector store.
type Index struct {
	embed embedding.Embedder
	store vectorstore.VectorStore
	batch int
	log   *slog.Logger

	mu     sync.Mutex
	hashes map[string]string // tool name -> hash of its embedded text
}

type Option func(*Index)

// WithStore replaces the in-memory vector store.
func WithStore(s vectorstore.VectorStore) Option { return func(x *Index) { x.store = s } }

// WithBatchSize bounds how many texts are sent per Embed call.
func WithBatchSize(n int) Option {
	return func(x *Index) {
		if n > 0 {
			x.batch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) {
		if l != nil {
			x.log = l
		}
	}
}

// New returns an empty index over e.
func New(e embedding.Embedder, opts ...Option) *Index {
	x := &Index{embed: e, store: memory.New(), batch: 64, log: slog.Default(), hashes: map[string]string{}}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Text is what gets embedded for a tool.
func Text(s tool.ToolSchema) string {
	if s.Description == "" {
		return s.Signature()
	}
	return s.Signature() + ": " + s.Description
}

// Sync makes the index match tools: new and changed tools are embedded,
// vanished ones deleted. It returns how many tools were embedded.
func (x *Index) Sync(ctx context.Context, tools []tool.ToolSchema) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	keep := make(map[string]string, len(tools))
	var changed []tool.ToolSchema
	for _, s := range tools {
		h := hash(Text(s))
		keep[s.Name] = h
		if x.hashes[s.Name] != h {
			changed = append(changed, s)
		}
	}
	var gone []string
	for name := range x.hashes {
		if _, ok := keep[name]; !ok {
			gone = append(gone, name)
		}
	}
	if len(gone) > 0 {
		if err := x.store.Delete(ctx, namespace, gone); err != nil {
			return 0, fmt.Errorf("toolindex: delete: %w", err)
		}
		for _, name := range gone {
			delete(x.hashes, name)
		}
	}
	for start := 0; start < len(changed); start += x.batch {
		chunk := changed[start:min(start+x.batch, len(changed))]
		texts := make([]string, len(chunk))
		for i, s := range chunk {
			texts[i] = Text(s)
		}
		vecs, err := x.embed.Embed(ctx, texts, nil)
		if err != nil {
			return start, fmt.Errorf("toolindex: embed: %w", err)
		}
		if len(vecs) != len(chunk) {
			return start, fmt.Errorf("toolindex: embedder returned %d vectors for %d tools", len(vecs), len(chunk))
		}
		items := make([]vectorstore.Item, len(chunk))
		for i, s := range chunk {
			items[i] = vectorstore.Item{
				ID:        s.Name,
				Namespace: namespace,
				Vector:    vectorstore.Vector(vecs[i]),
				Metadata:  map[string]any{"source": s.Source},
			}
		}
		if err := x.store.Upsert(ctx, items); err != nil {
			return start, fmt.Errorf("toolindex: upsert: %w", err)
		}
		for _, s := range chunk {
			x.hashes[s.Name] = keep[s.Name]
		}
	}
	x.log.Debug("tool index synced", "embedded", len(changed), "removed", len(gone), "size", len(x.hashes))
	return len(changed), nil
}

// Search returns up to k tools ranked by similarity to query. A non-empty
// source restricts hits to one schema source.
func (x *Index) Search(ctx context.Context, query string, k int, source string) ([]Hit, error) {
	vecs, err := x.embed.Embed(ctx, []string{query}, nil)
	if err != nil {
		return nil, fmt.Errorf("toolindex: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("toolindex: embedder returned %d vectors for the query", len(vecs))
	}
	filter := vectorstore.Filter{Namespace: namespace}
	if source != "" {
		filter.Equals = map[string]any{"source": source}
	}
	matches, err := x.store.Query(ctx, vectorstore.Vector(vecs[0]), k, filter)
	if err != nil {
		return nil, fmt.Errorf("toolindex: query: %w", err)
	}
	hits := make([]Hit, len(matches))
	for i, m := range matches {
		hits[i] = Hit{Name: m.Item.ID, Score: m.Score}
	}
	return hits, nil
}

// Len reports how many tools are indexed.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.hashes)
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
