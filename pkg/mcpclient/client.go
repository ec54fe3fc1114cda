// Package mcpclient wraps an MCP client session with the small surface the
// tool registry needs: list tools with their raw input schemas, call a tool
// and decode its result into a map.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolDescriptor is the subset of an MCP tool definition used for discovery.
type ToolDescriptor struct {
	Name        string
	Description string
	// InputSchema is the tool's JSON Schema, re-encoded as JSON.
	InputSchema json.RawMessage
}

// Client is a connected MCP session.
type Client struct {
	session *mcp.ClientSession
}

var implementation = &mcp.Implementation{Name: "netorch", Version: "1.0.0"}

// Connect opens a streamable HTTP session to endpoint. A nil httpClient uses http.DefaultClient.
func Connect(ctx context.Context, endpoint string, httpClient *http.Client) (*Client, error) {
	return ConnectTransport(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient})
}

// ConnectTransport opens a session over an arbitrary transport, such as an
// in-memory transport in tests.
func ConnectTransport(ctx context.Context, t mcp.Transport) (*Client, error) {
	cs, err := mcp.NewClient(implementation, nil).Connect(ctx, t, nil)
	if err != nil {
		return nil, err
	}
	return &Client{session: cs}, nil
}

// ListTools lists every tool the server offers, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	params := &mcp.ListToolsParams{}
	for {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			raw, err := json.Marshal(t.InputSchema)
			if err != nil {
				return nil, err
			}
			out = append(out, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: raw})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// ToolError is a tool-level failure reported by the server (isError=true).
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string { return "mcp tool " + e.Tool + ": " + e.Message }

// CallTool invokes a tool. Structured content is returned as-is; otherwise
// text content is decoded as a JSON object when possible and returned under
// "text" when not.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	text := textOf(res.Content)
	if res.IsError {
		return nil, &ToolError{Tool: name, Message: text}
	}
	if res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
	}
	var m map[string]any
	if json.Unmarshal([]byte(text), &m) == nil && m != nil {
		return m, nil
	}
	return map[string]any{"text": text}, nil
}

// Close ends the session.
func (c *Client) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.Close()
}

func textOf(content []mcp.Content) string {
	var parts []string
	for _, ct := range content {
		if tc, ok := ct.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// IsToolError reports whether err is a tool-level failure.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}
