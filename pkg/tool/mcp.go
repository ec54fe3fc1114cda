package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/mcpclient"
)

// MCPFetcher lists the tools of MCP servers over streamable HTTP. Sessions
// are cached per URL and reused by the invokers of discovered tools.
type MCPFetcher struct {
	client *http.Client
	dial   func(ctx context.Context, src SourceConfig) (*mcpclient.Client, error)

	mu       sync.Mutex
	sessions map[string]*mcpclient.Client
}

// NewMCPFetcher returns a fetcher dialing over c, or http.DefaultClient when c is nil.
func NewMCPFetcher(c *http.Client) *MCPFetcher {
	f := &MCPFetcher{client: c, sessions: map[string]*mcpclient.Client{}}
	f.dial = func(ctx context.Context, src SourceConfig) (*mcpclient.Client, error) {
		return mcpclient.Connect(ctx, src.URL, f.client)
	}
	return f
}

// NewMCPFetcherWith returns a fetcher that opens sessions with dial. Tests use
// it with in-memory transports.
func NewMCPFetcherWith(dial func(ctx context.Context, src SourceConfig) (*mcpclient.Client, error)) *MCPFetcher {
	return &MCPFetcher{dial: dial, sessions: map[string]*mcpclient.Client{}}
}

func (f *MCPFetcher) Fetch(ctx context.Context, src SourceConfig) ([]Operation, error) {
	c, err := f.session(ctx, src)
	if err != nil {
		return nil, err
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		f.drop(src.URL, c)
		return nil, fmt.Errorf("mcp source %s: list tools: %w", src.ID, err)
	}
	ops := make([]Operation, 0, len(tools))
	for _, t := range tools {
		ops = append(ops, Operation{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  mcpParams(t.InputSchema),
			Invoke:      f.invoker(src, t.Name),
		})
	}
	return ops, nil
}

// Close ends every cached session.
func (f *MCPFetcher) Close() error {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = map[string]*mcpclient.Client{}
	f.mu.Unlock()
	var first error
	for _, c := range sessions {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *MCPFetcher) session(ctx context.Context, src SourceConfig) (*mcpclient.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.sessions[src.URL]; ok {
		return c, nil
	}
	c, err := f.dial(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("mcp source %s: connect: %w", src.ID, err)
	}
	f.sessions[src.URL] = c
	return c, nil
}

func (f *MCPFetcher) drop(key string, c *mcpclient.Client) {
	f.mu.Lock()
	if f.sessions[key] == c {
		delete(f.sessions, key)
	}
	f.mu.Unlock()
	_ = c.Close()
}

func (f *MCPFetcher) invoker(src SourceConfig, name string) InvokeFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		c, err := f.session(ctx, src)
		if err != nil {
			e := errmodel.New(errmodel.CategoryNetwork, "unreachable", err.Error(), map[string]any{errmodel.KeyTool: name, "url": src.URL})
			e.Transient = true
			return nil, e
		}
		out, err := c.CallTool(ctx, name, args)
		switch {
		case err == nil:
			return out, nil
		case mcpclient.IsToolError(err):
			return nil, errmodel.New(errmodel.CategoryTool, "tool_error", err.Error(), map[string]any{errmodel.KeyTool: name})
		case ctx.Err() != nil:
			return nil, errmodel.From(ctx.Err())
		default:
			f.drop(src.URL, c)
			e := errmodel.New(errmodel.CategoryNetwork, "session_failed", err.Error(), map[string]any{errmodel.KeyTool: name, "url": src.URL})
			e.Transient = true
			return nil, e
		}
	}
}

// mcpParams converts a tool input schema into parameters, keeping the
// property order of the encoded schema.
func mcpParams(raw json.RawMessage) []Parameter {
	var root yaml.Node
	if len(raw) == 0 || yaml.Unmarshal(raw, &root) != nil || len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	required := map[string]bool{}
	if req := get(doc, "required"); req != nil {
		for _, r := range req.Content {
			required[r.Value] = true
		}
	}
	props := get(doc, "properties")
	if props == nil || props.Kind != yaml.MappingNode {
		return nil
	}
	var out []Parameter
	for i := 0; i+1 < len(props.Content); i += 2 {
		name := props.Content[i].Value
		p := schemaParam(doc, name, deref(doc, props.Content[i+1]))
		p.Required = required[name]
		out = append(out, p)
	}
	return out
}
