// Package mcpserver exposes registry tools over the Model Context Protocol
// (streamable HTTP transport).
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/tool"
)

// Tools is the registry surface the server exports.
type Tools interface {
	List() []tool.ToolSchema
	Lookup(name string) (tool.ToolSchema, bool)
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Guard vets a call before it runs. A non-nil error denies it.
type Guard interface {
	Check(ctx context.Context, s tool.ToolSchema, args map[string]any) error
}

// Server mirrors a tool registry onto an MCP server.
type Server struct {
	srv    *mcp.Server
	tools  Tools
	guard  Guard
	filter func(tool.ToolSchema) bool
	log    *slog.Logger

	mu       sync.Mutex
	exported map[string]bool
}

type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithGuard applies a policy guard to every call.
func WithGuard(g Guard) Option { return func(s *Server) { s.guard = g } }

// WithFilter restricts which tools are exported. Defaults to all.
func WithFilter(f func(tool.ToolSchema) bool) Option { return func(s *Server) { s.filter = f } }

// New creates the server and exports the current tool list.
func New(tools Tools, version string, opts ...Option) *Server {
	s := &Server{
		srv:      mcp.NewServer(&mcp.Implementation{Name: "netorch", Version: version}, nil),
		tools:    tools,
		filter:   func(tool.ToolSchema) bool { return true },
		log:      slog.Default(),
		exported: map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Sync()
	return s
}

// Sync re-exports the registry: new and changed tools are added, vanished
// ones removed. Call it after rediscovery.
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := map[string]bool{}
	for _, ts := range s.tools.List() {
		if !s.filter(ts) {
			continue
		}
		keep[ts.Name] = true
		s.srv.AddTool(&mcp.Tool{
			Name:        ts.Name,
			Description: ts.Description,
			InputSchema: ts.JSONSchema(),
		}, s.handler(ts.Name))
	}
	var gone []string
	for name := range s.exported {
		if !keep[name] {
			gone = append(gone, name)
		}
	}
	if len(gone) > 0 {
		s.srv.RemoveTools(gone...)
	}
	s.exported = keep
	s.log.Debug("mcp tools synced", "exported", len(keep), "removed", len(gone))
}

// MCP returns the underlying server, e.g. for in-memory transports.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

func (s *Server) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(errmodel.Validation("invalid_arguments", "arguments must be a JSON object", map[string]any{errmodel.KeyTool: name})), nil
			}
			if args == nil {
				args = map[string]any{}
			}
		}
		if ts, ok := s.tools.Lookup(name); ok && s.guard != nil {
			if err := tool.ValidateArgs(ts, args); err != nil {
				return errorResult(errmodel.From(err)), nil
			}
			if err := s.guard.Check(ctx, ts, args); err != nil {
				return errorResult(errmodel.From(err)), nil
			}
		}
		out, err := s.tools.Invoke(ctx, name, args)
		if err != nil {
			s.log.Info("mcp tool call failed", "tool", name, "error", err)
			return errorResult(errmodel.From(err)), nil
		}
		if out == nil {
			out = map[string]any{}
		}
		b, err := json.Marshal(out)
		if err != nil {
			return errorResult(errmodel.System("encode_result", err.Error(), nil, err)), nil
		}
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(b)}},
			StructuredContent: out,
		}, nil
	}
}

func errorResult(e *errmodel.Error) *mcp.CallToolResult {
	b, _ := json.Marshal(e)
	return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}
}
