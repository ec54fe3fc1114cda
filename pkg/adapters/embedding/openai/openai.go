// Package openai registers the "openai" embedding provider.
package openai

import (
	"context"
	"fmt"
	"os"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/wilhg/netorch/pkg/adapters/embedding"
)

const defaultEmbeddingModel = oa.EmbeddingModelTextEmbedding3Small

type embedClient struct {
	client oa.Client
	model  string
}

func (e *embedClient) Name() string { return "openai" }

func (e *embedClient) Embed(ctx context.Context, inputs []string, opts map[string]any) ([]embedding.Vector, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	model := e.model
	if v, ok := opts[embedding.OptModel].(string); ok && v != "" {
		model = v
	}
	resp, err := e.client.Embeddings.New(ctx, oa.EmbeddingNewParams{
		Model: model,
		Input: oa.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(resp.Data), len(inputs))
	}
	out := make([]embedding.Vector, len(resp.Data))
	for _, d := range resp.Data {
		vec := make(embedding.Vector, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// Factory builds the OpenAI embedder. cfg keys: api_key, model, base_url.
func Factory(ctx context.Context, cfg map[string]any) (embedding.Embedder, error) { // nolint: revive
	_ = ctx
	apiKey := os.Getenv("OPENAI_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	model := defaultEmbeddingModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if v, ok := cfg["base_url"].(string); ok && v != "" {
		opts = append(opts, option.WithBaseURL(v))
	}
	return &embedClient{client: oa.NewClient(opts...), model: model}, nil
}

func init() {
	_ = embedding.Register("openai", Factory)
}
