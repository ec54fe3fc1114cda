// Package tool turns externally described operations into callable tools.
//
// A Registry holds immutable ToolSchemas discovered from sources (the
// executor's builtin operations, OpenAPI documents, MCP servers) together
// with the invoker that runs each one. Arguments are validated against the
// schema before any invocation.
package tool

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// Parameter types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Parameter is one named argument of a tool.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ToolSchema describes a callable operation. Name is unique per registry;
// Operation is the source-local operation name.
type ToolSchema struct {
	Name        string      `json:"name"`
	Source      string      `json:"source,omitempty"`
	Operation   string      `json:"operation,omitempty"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters"`
}

// Param returns the named parameter.
func (s ToolSchema) Param(name string) (Parameter, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Required lists the names of required parameters in declaration order.
func (s ToolSchema) Required() []string {
	var out []string
	for _, p := range s.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// JSONSchema renders the parameters as a closed JSON Schema object.
func (s ToolSchema) JSONSchema() *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema, len(s.Parameters))
	for _, p := range s.Parameters {
		ps := &jsonschema.Schema{Type: p.Type, Description: p.Description, Enum: p.Enum}
		if p.Default != nil {
			if b, err := json.Marshal(p.Default); err == nil {
				ps.Default = b
			}
		}
		props[p.Name] = ps
	}
	return &jsonschema.Schema{
		Type:                 TypeObject,
		Description:          s.Description,
		Properties:           props,
		Required:             s.Required(),
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

// Signature renders a compact one-line description used in prompts,
// e.g. "netconf.read_config(host: string, source?: string)".
func (s ToolSchema) Signature() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, p := range s.Parameters {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		if !p.Required {
			b.WriteByte('?')
		}
		b.WriteString(": ")
		b.WriteString(p.Type)
	}
	b.WriteByte(')')
	return b.String()
}

// InvokeFunc runs a tool with validated arguments.
type InvokeFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Binder resolves a source-local operation name to a local implementation.
type Binder interface {
	Binding(operation string) (InvokeFunc, bool)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(operation string) (InvokeFunc, bool)

func (f BinderFunc) Binding(operation string) (InvokeFunc, bool) { return f(operation) }
