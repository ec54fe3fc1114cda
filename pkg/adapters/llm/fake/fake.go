// Package fake provides a scripted LLM for unit tests.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/wilhg/netorch/pkg/adapters/llm"
)

// ErrExhausted is returned once every scripted reply has been consumed.
var ErrExhausted = errors.New("fake llm: script exhausted")

// LLM replays canned replies in order and records every call.
type LLM struct {
	mu      sync.Mutex
	replies []string
	calls   [][]llm.Message
	opts    []map[string]any
}

// New returns a fake that answers with replies in order.
func New(replies ...string) *LLM { return &LLM{replies: replies} }

func (f *LLM) Name() string { return "fake" }

func (f *LLM) Generate(ctx context.Context, messages []llm.Message, opts map[string]any) (llm.GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return llm.GenerateResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]llm.Message(nil), messages...))
	f.opts = append(f.opts, opts)
	if len(f.replies) == 0 {
		return llm.GenerateResult{}, ErrExhausted
	}
	text := f.replies[0]
	f.replies = f.replies[1:]
	return llm.GenerateResult{Text: text, Model: "fake"}, nil
}

// Calls returns the messages of every Generate call.
func (f *LLM) Calls() [][]llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]llm.Message(nil), f.calls...)
}

// Options returns the opts passed to every Generate call.
func (f *LLM) Options() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.opts...)
}
