// Package policy denies tool calls with CEL rules.
//
// A rule is a boolean CEL expression over the call; when it evaluates to
// true the call is denied before it reaches a device. Expressions see:
//
//	tool       string  registry name, e.g. "netconf.write_config"
//	source     string  source id the tool came from
//	operation  string  source-local operation name
//	host       string  args.host when present, else ""
//	args       map     validated call arguments
package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/tool"
)

// Rule denies a call when Expr evaluates to true.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

type compiled struct {
	rule Rule
	prg  cel.Program
}

// Guard evaluates rules in order; the first match denies.
type Guard struct {
	rules []compiled
	log   *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used for denials.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// New compiles rules. Any expression that does not compile to a bool is an error.
func New(rules []Rule, opts ...Option) (*Guard, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	g := &Guard{log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	for i, r := range rules {
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i+1)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("policy: rule %q must be a bool expression, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		g.rules = append(g.rules, compiled{rule: r, prg: prg})
	}
	return g, nil
}

// Rules returns the configured rules in evaluation order.
func (g *Guard) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	for i, c := range g.rules {
		out[i] = c.rule
	}
	return out
}

// Check implements runtime.Guard. Evaluation errors deny the call.
func (g *Guard) Check(ctx context.Context, s tool.ToolSchema, args map[string]any) error {
	if len(g.rules) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	host, _ := args["host"].(string)
	input := map[string]any{
		"tool":      s.Name,
		"source":    s.Source,
		"operation": s.Operation,
		"host":      host,
		"args":      args,
	}
	for _, c := range g.rules {
		if err := ctx.Err(); err != nil {
			return errmodel.From(err)
		}
		out, _, err := c.prg.ContextEval(ctx, input)
		if err != nil {
			g.log.Warn("policy rule failed", "rule", c.rule.Name, "tool", s.Name, "error", err)
			return errmodel.Policy("evaluation_failed", err.Error(), map[string]any{"rule": c.rule.Name, errmodel.KeyTool: s.Name})
		}
		deny, ok := out.Value().(bool)
		if !ok || !deny {
			continue
		}
		msg := c.rule.Message
		if msg == "" {
			msg = "denied by policy rule " + c.rule.Name
		}
		g.log.Info("tool call denied", "rule", c.rule.Name, "tool", s.Name, "host", host)
		return errmodel.Policy("denied", msg, map[string]any{"rule": c.rule.Name, errmodel.KeyTool: s.Name})
	}
	return nil
}
