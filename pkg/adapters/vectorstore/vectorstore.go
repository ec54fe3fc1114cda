// Package vectorstore defines similarity search over embedded items.
package vectorstore

import "context"

// Vector is a single dense embedding vector.
type Vector []float32

// Item is one embedded document with metadata for filtering.
type Item struct {
	// ID is unique within a namespace.
	ID string
	// Namespace groups items, e.g. one per tool index.
	Namespace string
	Vector    Vector
	Metadata  map[string]any
}

// Match is a search result with similarity score and original item.
type Match struct {
	Item  Item
	Score float32 // higher is more similar
}

// Filter constrains query results.
type Filter struct {
	Namespace string
	// Equals matches exact key/value pairs in metadata (AND semantics across keys).
	Equals map[string]any
}

// VectorStore defines upsert, delete and similarity query operations.
type VectorStore interface {
	// Upsert inserts or replaces items by ID within a namespace.
	Upsert(ctx context.Context, items []Item) error
	// Delete removes items by ID; unknown IDs are ignored.
	Delete(ctx context.Context, namespace string, ids []string) error
	// Query returns the k items most similar to query, filtered by namespace and metadata.
	Query(ctx context.Context, query Vector, k int, filter Filter) ([]Match, error)
}

// DefaultNamespace is used when an item or filter names none.
const DefaultNamespace = "default"
