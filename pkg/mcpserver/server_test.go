package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/mcpclient"
	"github.com/wilhg/netorch/pkg/tool"
)

type denyHost string

func (d denyHost) Check(_ context.Context, _ tool.ToolSchema, args map[string]any) error {
	if args["host"] == string(d) {
		return errmodel.Policy("denied", "host is frozen", nil)
	}
	return nil
}

func newRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	schema := tool.ToolSchema{
		Name:        "netconf.read_config",
		Description: "Read a datastore",
		Parameters: []tool.Parameter{
			{Name: "host", Type: tool.TypeString, Required: true},
			{Name: "source", Type: tool.TypeString, Enum: []any{"running", "candidate"}},
		},
	}
	if err := reg.Register(schema, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"host": args["host"], "data": "<system/>"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func connect(t *testing.T, s *Server) *mcpclient.Client {
	t.Helper()
	ctx := context.Background()
	st, ct := mcp.NewInMemoryTransports()
	ss, err := s.MCP().Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })
	c, err := mcpclient.ConnectTransport(ctx, ct)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExportedToolsRoundTrip(t *testing.T) {
	c := connect(t, New(newRegistry(t), "test", WithGuard(denyHost("core-1"))))
	ctx := context.Background()

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "netconf.read_config" {
		t.Fatalf("tools: %+v", tools)
	}
	var schema struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(tools[0].InputSchema, &schema); err != nil || schema.Type != "object" || len(schema.Required) != 1 {
		t.Fatalf("schema: %s err=%v", tools[0].InputSchema, err)
	}

	out, err := c.CallTool(ctx, "netconf.read_config", map[string]any{"host": "r1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out["host"] != "r1" || out["data"] != "<system/>" {
		t.Fatalf("out: %v", out)
	}

	_, err = c.CallTool(ctx, "netconf.read_config", map[string]any{"host": "r1", "source": "startup"})
	if !mcpclient.IsToolError(err) {
		t.Fatalf("expected tool error, got %v", err)
	}
	var ce errmodel.Error
	if e, ok := err.(*mcpclient.ToolError); !ok || json.Unmarshal([]byte(e.Message), &ce) != nil || ce.Code != "enum_violation" {
		t.Fatalf("validation error: %v", err)
	}

	_, err = c.CallTool(ctx, "netconf.read_config", map[string]any{"host": "core-1"})
	if e, ok := err.(*mcpclient.ToolError); !ok || json.Unmarshal([]byte(e.Message), &ce) != nil || ce.Category != errmodel.CategoryPolicy {
		t.Fatalf("policy error: %v", err)
	}
}

type fakeTools struct{ schemas []tool.ToolSchema }

func (f *fakeTools) List() []tool.ToolSchema { return f.schemas }
func (f *fakeTools) Lookup(name string) (tool.ToolSchema, bool) {
	for _, s := range f.schemas {
		if s.Name == name {
			return s, true
		}
	}
	return tool.ToolSchema{}, false
}
func (f *fakeTools) Invoke(context.Context, string, map[string]any) (map[string]any, error) {
	return nil, nil
}

func TestSyncAddsAndRemoves(t *testing.T) {
	ft := &fakeTools{schemas: []tool.ToolSchema{{Name: "a.one"}, {Name: "b.two"}, {Name: "a.three"}}}
	s := New(ft, "test", WithFilter(func(ts tool.ToolSchema) bool { return ts.Name != "a.three" }))
	c := connect(t, s)
	ctx := context.Background()

	names := func() map[string]bool {
		tools, err := c.ListTools(ctx)
		if err != nil {
			t.Fatal(err)
		}
		out := map[string]bool{}
		for _, td := range tools {
			out[td.Name] = true
		}
		return out
	}
	if got := names(); len(got) != 2 || !got["a.one"] || !got["b.two"] {
		t.Fatalf("initial: %v", got)
	}
	ft.schemas = []tool.ToolSchema{{Name: "b.two"}, {Name: "c.four"}}
	s.Sync()
	if got := names(); len(got) != 2 || !got["b.two"] || !got["c.four"] {
		t.Fatalf("after sync: %v", got)
	}
	out, err := c.CallTool(ctx, "c.four", nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("empty result: %v %v", out, err)
	}
}
