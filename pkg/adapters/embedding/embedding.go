// Package embedding abstracts text embedding providers used to rank tools
// by similarity to a request. Providers register a Factory under a name at
// init time.
package embedding

import (
	"context"
	"fmt"
	"sync"
)

// OptModel overrides the provider's default model in Embed.
const OptModel = "model"

// Vector represents a single embedding vector.
type Vector []float32

// Embedder produces embedding vectors from text inputs.
//
// Implementations should be deterministic for the same input. All network
// I/O must honor ctx.
type Embedder interface {
	// Name returns a short provider name (e.g., "openai").
	Name() string
	// Embed returns one vector per input string, in order.
	Embed(ctx context.Context, inputs []string, opts map[string]any) ([]Vector, error)
}

// Factory constructs an Embedder from a provider-specific configuration map.
type Factory func(ctx context.Context, cfg map[string]any) (Embedder, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers an Embedder factory under a provider name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("embedding: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("embedding: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("embedding: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve retrieves a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Open resolves provider and builds an embedder from cfg.
func Open(ctx context.Context, provider string, cfg map[string]any) (Embedder, error) {
	f, ok := Resolve(provider)
	if !ok {
		return nil, fmt.Errorf("embedding: unknown provider %q", provider)
	}
	return f(ctx, cfg)
}
