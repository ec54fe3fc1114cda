package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/runtime"
	"github.com/wilhg/netorch/pkg/tool"
)

// Step is one captured decision: either a decision or the error the
// decider returned.
type Step struct {
	Decision *runtime.Decision `json:"decision,omitempty"`
	Error    *errmodel.Error   `json:"error,omitempty"`
}

// Outcome is what a replay is expected to reproduce.
type Outcome struct {
	Status        string   `json:"status"`
	AbortReason   string   `json:"abort_reason,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	FinalContains []string `json:"final_contains,omitempty"`
}

// Capture is a recorded run.
type Capture struct {
	Name    string  `json:"name,omitempty"`
	Request string  `json:"request"`
	Steps   []Step  `json:"steps"`
	Expect  Outcome `json:"expect"`
}

// Script is a runtime.Decider that replays steps in order. Once exhausted
// it returns a decision error.
type Script struct {
	mu    sync.Mutex
	steps []Step
}

// NewScript returns a decider replaying steps.
func NewScript(steps ...Step) *Script { return &Script{steps: steps} }

// Calls is shorthand for a script of decisions.
func Calls(decisions ...runtime.Decision) *Script {
	steps := make([]Step, len(decisions))
	for i := range decisions {
		d := decisions[i]
		steps[i] = Step{Decision: &d}
	}
	return NewScript(steps...)
}

func (s *Script) Decide(context.Context, *runtime.Conversation, []tool.ToolSchema) (runtime.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return runtime.Decision{}, errmodel.Decision("script_exhausted", "no scripted decision left", nil)
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	if st.Error != nil {
		return runtime.Decision{}, st.Error
	}
	if st.Decision == nil {
		return runtime.Decision{}, errmodel.Decision("malformed_decision", "empty scripted step", nil)
	}
	return *st.Decision, nil
}

// Remaining reports how many steps are left.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Recorder wraps a Decider and records every step it produces.
type Recorder struct {
	inner runtime.Decider
	mu    sync.Mutex
	steps []Step
}

// NewRecorder wraps d.
func NewRecorder(d runtime.Decider) *Recorder { return &Recorder{inner: d} }

func (r *Recorder) Decide(ctx context.Context, conv *runtime.Conversation, tools []tool.ToolSchema) (runtime.Decision, error) {
	dec, err := r.inner.Decide(ctx, conv, tools)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			r.steps = append(r.steps, Step{Error: errmodel.From(err)})
		}
		return dec, err
	}
	d := dec
	if dec.Arguments != nil {
		d.Arguments = make(map[string]any, len(dec.Arguments))
		for k, v := range dec.Arguments {
			d.Arguments[k] = v
		}
	}
	r.steps = append(r.steps, Step{Decision: &d})
	return dec, nil
}

// Capture returns the recorded steps with the outcome taken from res.
func (r *Recorder) Capture(name string, res *runtime.Result) Capture {
	r.mu.Lock()
	steps := append([]Step(nil), r.steps...)
	r.mu.Unlock()
	c := Capture{Name: name, Steps: steps}
	if res == nil {
		return c
	}
	if len(res.Trace) > 0 {
		c.Request = res.Trace[0].Text
	}
	c.Expect = Outcome{Status: res.Status, AbortReason: res.AbortReason, Tools: calledTools(res)}
	return c
}

func calledTools(res *runtime.Result) []string {
	var out []string
	for _, t := range res.Trace {
		if t.Kind == runtime.TurnToolCall && t.Call != nil {
			out = append(out, t.Call.ToolName)
		}
	}
	return out
}

// Replay runs c through a fresh orchestrator over tools and compares the
// outcome. It returns the run result and the mismatches found.
func Replay(ctx context.Context, tools runtime.Tools, c Capture, opts ...runtime.Option) (*runtime.Result, []string, error) {
	res, err := runtime.New(tools, NewScript(c.Steps...), opts...).HandleRequest(ctx, c.Request)
	if err != nil {
		return nil, nil, err
	}
	var diffs []string
	if c.Expect.Status != "" && res.Status != c.Expect.Status {
		diffs = append(diffs, fmt.Sprintf("status %s, want %s", res.Status, c.Expect.Status))
	}
	if c.Expect.AbortReason != "" && res.AbortReason != c.Expect.AbortReason {
		diffs = append(diffs, fmt.Sprintf("abort reason %q, want %q", res.AbortReason, c.Expect.AbortReason))
	}
	if c.Expect.Tools != nil {
		got := calledTools(res)
		if strings.Join(got, ",") != strings.Join(c.Expect.Tools, ",") {
			diffs = append(diffs, fmt.Sprintf("tools %v, want %v", got, c.Expect.Tools))
		}
	}
	for _, s := range c.Expect.FinalContains {
		if !strings.Contains(res.FinalAnswer, s) {
			diffs = append(diffs, "final answer missing "+s)
		}
	}
	return res, diffs, nil
}

// ReplayDir replays every capture in dir.
func ReplayDir(ctx context.Context, fsys fs.FS, dir string, tools runtime.Tools, opts ...runtime.Option) (Score, error) {
	var caps []Capture
	if err := readJSONDir(fsys, dir, func(name string, b []byte) error {
		var c Capture
		if err := json.Unmarshal(b, &c); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if c.Name == "" {
			c.Name = strings.TrimSuffix(name, ".json")
		}
		caps = append(caps, c)
		return nil
	}); err != nil {
		return Score{}, err
	}
	sc := Score{Total: len(caps)}
	for _, c := range caps {
		_, diffs, err := Replay(ctx, tools, c, opts...)
		if err != nil {
			sc.Details = append(sc.Details, c.Name+": "+err.Error())
			continue
		}
		if len(diffs) == 0 {
			sc.Passed++
			continue
		}
		for _, d := range diffs {
			sc.Details = append(sc.Details, c.Name+": "+d)
		}
	}
	return sc, nil
}
