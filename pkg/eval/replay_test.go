package eval

import (
	"context"
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/runtime"
	"github.com/wilhg/netorch/pkg/tool"
)

func testTools(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	schema := tool.ToolSchema{Name: "netconf.read_config", Parameters: []tool.Parameter{
		{Name: "host", Type: tool.TypeString, Required: true},
	}}
	if err := reg.Register(schema, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"data": "<hostname>" + args["host"].(string) + "</hostname>"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestRecordThenReplay(t *testing.T) {
	ctx := context.Background()
	reg := testTools(t)
	live := NewScript(
		Step{Error: errmodel.Decision("malformed_decision", "reply does not contain a JSON object", nil)},
		Step{Decision: &runtime.Decision{Action: runtime.ActionCall, ToolName: "netconf.read_config", Arguments: map[string]any{"host": "r1"}}},
		Step{Decision: &runtime.Decision{Action: runtime.ActionFinal, Text: "r1 hostname is r1"}},
	)
	rec := NewRecorder(live)
	res, err := runtime.New(reg, rec).HandleRequest(ctx, "what is the hostname of r1")
	if err != nil {
		t.Fatal(err)
	}
	c := rec.Capture("hostname", res)
	if c.Request != "what is the hostname of r1" || len(c.Steps) != 3 || c.Steps[0].Error == nil {
		t.Fatalf("capture: %+v", c)
	}
	if c.Expect.Status != runtime.RunDone || len(c.Expect.Tools) != 1 {
		t.Fatalf("expect: %+v", c.Expect)
	}

	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var loaded Capture
	if err := json.Unmarshal(b, &loaded); err != nil {
		t.Fatal(err)
	}
	loaded.Expect.FinalContains = []string{"r1"}
	replayed, diffs, err := Replay(ctx, reg, loaded)
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 0 {
		t.Fatalf("diffs: %v", diffs)
	}
	if replayed.FinalAnswer != res.FinalAnswer || replayed.ToolCalls() != 1 {
		t.Fatalf("replayed: %+v", replayed)
	}
}

func TestReplayReportsDivergence(t *testing.T) {
	reg := testTools(t)
	c := Capture{
		Request: "read r1",
		Steps:   []Step{{Decision: &runtime.Decision{Action: runtime.ActionCall, ToolName: "netconf.read_config", Arguments: map[string]any{"host": "r1"}}}},
		Expect:  Outcome{Status: runtime.RunDone, Tools: []string{"netconf.read_config", "netconf.commit"}},
	}
	res, diffs, err := Replay(context.Background(), reg, c, runtime.WithMaxDecisionErrors(0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != runtime.RunAborted || res.AbortReason != runtime.AbortDecisionErrors {
		t.Fatalf("result: %+v", res)
	}
	if len(diffs) != 2 {
		t.Fatalf("diffs: %v", diffs)
	}
}

func TestReplayDir(t *testing.T) {
	reg := testTools(t)
	good := `{"request":"read r1","steps":[{"decision":{"action":"call","tool_name":"netconf.read_config","arguments":{"host":"r1"}}},{"decision":{"action":"final","text":"done"}}],"expect":{"status":"done","tools":["netconf.read_config"]}}`
	bad := `{"name":"wrong","request":"read r1","steps":[{"decision":{"action":"final","text":"nothing"}}],"expect":{"status":"done","final_contains":["hostname"]}}`
	fsys := fstest.MapFS{
		"replays/good.json": {Data: []byte(good)},
		"replays/bad.json":  {Data: []byte(bad)},
	}
	sc, err := ReplayDir(context.Background(), fsys, "replays", reg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Total != 2 || sc.Passed != 1 || len(sc.Details) != 1 || sc.Details[0] != "wrong: final answer missing hostname" {
		t.Fatalf("score: %+v", sc)
	}
}

func TestScriptExhausted(t *testing.T) {
	s := Calls(runtime.Decision{Action: runtime.ActionFinal, Text: "x"})
	if s.Remaining() != 1 {
		t.Fatal("remaining")
	}
	if _, err := s.Decide(context.Background(), nil, nil); err != nil {
		t.Fatal(err)
	}
	_, err := s.Decide(context.Background(), nil, nil)
	if ce := errmodel.From(err); ce == nil || ce.Code != "script_exhausted" {
		t.Fatalf("err=%v", err)
	}
}
