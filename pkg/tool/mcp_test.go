package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/mcpclient"
)

const routeSchema = `{
  "type": "object",
  "properties": {
    "host": {"type": "string", "description": "Router"},
    "prefix": {"type": "string"},
    "table": {"type": "string", "enum": ["inet.0", "inet6.0"]},
    "limit": {"anyOf": [{"type": "integer"}, {"type": "null"}], "default": 10}
  },
  "required": ["host", "prefix"]
}`

func inMemoryMCP(t *testing.T) *MCPFetcher {
	t.Helper()
	srv := mcp.NewServer(&mcp.Implementation{Name: "routes", Version: "0.0.1"}, nil)
	srv.AddTool(&mcp.Tool{
		Name:        "show_route",
		Description: "Show routes matching a prefix",
		InputSchema: json.RawMessage(routeSchema),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		_ = json.Unmarshal(req.Params.Arguments, &args)
		if args["prefix"] == "0.0.0.0/0" {
			return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: "refusing full table"}}}, nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `{"routes":1}`}}}, nil
	})
	return NewMCPFetcherWith(func(ctx context.Context, src SourceConfig) (*mcpclient.Client, error) {
		st, ct := mcp.NewInMemoryTransports()
		ss, err := srv.Connect(ctx, st, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })
		return mcpclient.ConnectTransport(ctx, ct)
	})
}

func TestMCPSourceDiscoversAndInvokes(t *testing.T) {
	f := inMemoryMCP(t)
	defer func() { _ = f.Close() }()
	r := NewRegistry(WithFetcher(KindMCP, f))
	ctx := context.Background()
	reports, err := r.Discover(ctx, []SourceConfig{{ID: "routes", Kind: KindMCP, URL: "mem://routes"}})
	if err != nil || reports[0].Error != "" {
		t.Fatalf("discover: %v %+v", err, reports)
	}
	s, ok := r.Lookup("routes.show_route")
	if !ok {
		t.Fatalf("tool missing: %v", names(r.List()))
	}
	var order []string
	for _, p := range s.Parameters {
		order = append(order, p.Name)
	}
	// Tool schemas arrive re-encoded as JSON objects, so keys are sorted.
	if len(order) != 4 || order[0] != "host" || order[3] != "table" {
		t.Fatalf("parameters: %+v", s.Parameters)
	}
	if p, _ := s.Param("limit"); p.Type != TypeInteger || p.Required {
		t.Fatalf("limit: %+v", p)
	}
	if p, _ := s.Param("prefix"); !p.Required {
		t.Fatalf("prefix: %+v", p)
	}

	out, err := r.Invoke(ctx, "routes.show_route", map[string]any{"host": "r1", "prefix": "10.0.0.0/8"})
	if err != nil || out["routes"] != float64(1) {
		t.Fatalf("invoke: %v %v", out, err)
	}
	_, err = r.Invoke(ctx, "routes.show_route", map[string]any{"host": "r1", "prefix": "0.0.0.0/0"})
	if !errmodel.IsCategory(err, errmodel.CategoryTool) {
		t.Fatalf("tool error: %v", err)
	}
	_, err = r.Invoke(ctx, "routes.show_route", map[string]any{"host": "r1", "prefix": "10/8", "table": "mpls.0"})
	if code(err) != "enum_violation" {
		t.Fatalf("enum: %v", err)
	}
}
