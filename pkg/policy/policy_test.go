package policy

import (
	"context"
	"testing"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/tool"
)

var writeConfig = tool.ToolSchema{Name: "netconf.write_config", Source: "netconf", Operation: "write_config"}

func TestGuardDenies(t *testing.T) {
	g, err := New([]Rule{
		{Name: "core-readonly", Expr: `host.startsWith("core-") && operation in ["write_config", "commit"]`, Message: "core routers are read-only"},
		{Name: "no-running", Expr: `has(args.target) && args.target == "running"`},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = g.Check(context.Background(), writeConfig, map[string]any{"host": "core-1", "config": "<x/>"})
	if !errmodel.IsCategory(err, errmodel.CategoryPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	ce := errmodel.From(err)
	if ce.Code != "denied" || ce.Message != "core routers are read-only" || ce.Context["rule"] != "core-readonly" {
		t.Fatalf("error: %+v", ce)
	}

	err = g.Check(context.Background(), writeConfig, map[string]any{"host": "edge-1", "target": "running"})
	if ce := errmodel.From(err); ce == nil || ce.Context["rule"] != "no-running" || ce.Message != "denied by policy rule no-running" {
		t.Fatalf("second rule: %v", err)
	}

	if err := g.Check(context.Background(), writeConfig, map[string]any{"host": "edge-1", "target": "candidate"}); err != nil {
		t.Fatalf("allowed call denied: %v", err)
	}
	if err := g.Check(context.Background(), tool.ToolSchema{Name: "netconf.read_config", Operation: "read_config"}, map[string]any{"host": "core-1"}); err != nil {
		t.Fatalf("read denied: %v", err)
	}
}

func TestNewRejectsBadRules(t *testing.T) {
	for _, expr := range []string{`host +`, `host`, `unknown_var == 1`} {
		if _, err := New([]Rule{{Expr: expr}}); err == nil {
			t.Fatalf("expected compile error for %q", expr)
		}
	}
}

func TestEmptyGuardAllows(t *testing.T) {
	g, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Check(context.Background(), writeConfig, nil); err != nil {
		t.Fatal(err)
	}
	if len(g.Rules()) != 0 {
		t.Fatal("unexpected rules")
	}
}

func TestEvaluationErrorDenies(t *testing.T) {
	g, err := New([]Rule{{Name: "limit", Expr: `args.count > 5`}})
	if err != nil {
		t.Fatal(err)
	}
	err = g.Check(context.Background(), writeConfig, map[string]any{"host": "r1"})
	if ce := errmodel.From(err); ce == nil || ce.Category != errmodel.CategoryPolicy || ce.Code != "evaluation_failed" {
		t.Fatalf("err=%v", err)
	}
	if g.Rules()[0].Name != "limit" {
		t.Fatalf("rules=%+v", g.Rules())
	}
}
