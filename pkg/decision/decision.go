// Package decision implements runtime.Decider on top of a chat model.
//
// Each step renders the "decide" prompt with the available tools and the
// conversation trace that fits the token budget, asks the model for a
// single JSON object and converts it into a runtime.Decision. Final answers
// are optionally polished with a second call using the "answer" prompt.
package decision

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/netorch/pkg/adapters/llm"
	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/prompt"
	"github.com/wilhg/netorch/pkg/runtime"
	"github.com/wilhg/netorch/pkg/runtime/assembler"
	"github.com/wilhg/netorch/pkg/tool"
)

// DefaultMaxTraceTokens bounds the rendered trace handed to the model.
const DefaultMaxTraceTokens = 6000

// Decider asks a chat model for the next step.
type Decider struct {
	model       llm.LLM
	prompts     *prompt.Store
	estimate    assembler.TokenEstimator
	maxTokens   int
	temperature float64
	modelName   string
	synthesize  bool
	log         *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Decider.
type Option func(*Decider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decider) {
		if l != nil {
			d.log = l
		}
	}
}

// WithTokenEstimator replaces the default estimate of four characters per token.
func WithTokenEstimator(est assembler.TokenEstimator) Option {
	return func(d *Decider) {
		if est != nil {
			d.estimate = est
		}
	}
}

// WithMaxTraceTokens bounds the trace included in the decision prompt.
func WithMaxTraceTokens(n int) Option {
	return func(d *Decider) {
		if n > 0 {
			d.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature. Defaults to 0.
func WithTemperature(t float64) Option { return func(d *Decider) { d.temperature = t } }

// WithModel overrides the provider's default model name.
func WithModel(name string) Option { return func(d *Decider) { d.modelName = name } }

// WithSynthesis toggles the second call that rewrites final answers.
func WithSynthesis(on bool) Option { return func(d *Decider) { d.synthesize = on } }

// New builds a Decider. prompts must hold prompt.Decide and, when synthesis
// is on, prompt.Answer; missing ones are seeded with the defaults.
func New(model llm.LLM, prompts *prompt.Store, opts ...Option) (*Decider, error) {
	if prompts == nil {
		prompts = prompt.NewStore()
	}
	if err := prompt.Seed(prompts); err != nil {
		return nil, err
	}
	d := &Decider{
		model:      model,
		prompts:    prompts,
		estimate:   func(s string) int { return (len(s) + 3) / 4 },
		maxTokens:  DefaultMaxTraceTokens,
		synthesize: true,
		log:        slog.Default(),
		tracer:     otel.Tracer("netorch/decision"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type toolView struct {
	Name        string
	Description string
	Parameters  string
}

type decideData struct {
	Request string
	Tools   []toolView
	Trace   []string
}

type answerData struct {
	Request string
	Trace   []string
	Draft   string
}

var _ runtime.Decider = (*Decider)(nil)

// Decide implements runtime.Decider.
func (d *Decider) Decide(ctx context.Context, conv *runtime.Conversation, tools []tool.ToolSchema) (runtime.Decision, error) {
	ctx, span := d.tracer.Start(ctx, "decision.decide")
	defer span.End()

	lines, dropped := d.window(conv)
	span.SetAttributes(attribute.Int("decision.trace_lines", len(lines)), attribute.Int("decision.trace_dropped", dropped))
	text, err := d.prompts.Render(prompt.Decide, 0, decideData{
		Request: conv.Request(),
		Tools:   toolViews(tools),
		Trace:   lines,
	})
	if err != nil {
		return runtime.Decision{}, errmodel.System("prompt_render", err.Error(), map[string]any{"prompt": prompt.Decide}, err)
	}
	reply, err := d.generate(ctx, text)
	if err != nil {
		span.RecordError(err)
		return runtime.Decision{}, err
	}
	dec, derr := Parse(reply)
	if derr != nil {
		d.log.Warn("unparseable decision", "reply", truncate(reply, 200), "error", derr.Message)
		return runtime.Decision{}, derr
	}
	if dec.Action == runtime.ActionFinal && d.synthesize {
		dec.Text = d.answer(ctx, conv, lines, dec.Text)
	}
	return dec, nil
}

func (d *Decider) generate(ctx context.Context, text string) (string, error) {
	opts := map[string]any{llm.OptTemperature: d.temperature}
	if d.modelName != "" {
		opts[llm.OptModel] = d.modelName
	}
	res, err := d.model.Generate(ctx, []llm.Message{{Role: llm.RoleUser, Content: text}}, opts)
	if err != nil {
		if ctx.Err() != nil {
			return "", errmodel.From(ctx.Err())
		}
		return "", errmodel.New(errmodel.CategoryModel, "generate_failed", err.Error(), map[string]any{"provider": d.model.Name()}, err)
	}
	d.log.Debug("model reply", "provider", d.model.Name(), "model", res.Model, "prompt_tokens", res.PromptTokens, "output_tokens", res.OutputTokens)
	return res.Text, nil
}

// answer rewrites the draft final answer; failures keep the draft.
func (d *Decider) answer(ctx context.Context, conv *runtime.Conversation, lines []string, draft string) string {
	text, err := d.prompts.Render(prompt.Answer, 0, answerData{Request: conv.Request(), Trace: lines, Draft: draft})
	if err != nil {
		d.log.Warn("answer prompt", "error", err)
		return draft
	}
	out, err := d.generate(ctx, text)
	if err != nil || strings.TrimSpace(out) == "" {
		d.log.Warn("answer synthesis failed, keeping draft", "error", err)
		return draft
	}
	return strings.TrimSpace(out)
}

// window renders the conversation turns that fit the token budget. The
// user request is always kept when it fits.
func (d *Decider) window(conv *runtime.Conversation) ([]string, int) {
	turns := conv.Turns()
	items := make([]assembler.Item, 0, len(turns))
	for _, t := range turns {
		items = append(items, assembler.Item{
			Seq:    t.Seq,
			Kind:   string(t.Kind),
			Text:   t.Render(),
			Pinned: t.Kind == runtime.TurnUserRequest,
		})
	}
	asm := assembler.New(assembler.WithTokenEstimator(d.estimate), assembler.WithMaxTokens(d.maxTokens))
	picked, log := asm.Assemble(items)
	lines := make([]string, len(picked))
	for i, it := range picked {
		lines[i] = it.Text
	}
	return lines, log.DroppedCount
}

func toolViews(tools []tool.ToolSchema) []toolView {
	out := make([]toolView, 0, len(tools))
	for _, s := range tools {
		params := make([]string, 0, len(s.Parameters))
		for _, p := range s.Parameters {
			b := p.Name + ":" + p.Type
			if p.Required {
				b += " required"
			}
			if len(p.Enum) > 0 {
				enum, _ := json.Marshal(p.Enum)
				b += " one of " + string(enum)
			}
			if p.Description != "" {
				b += " (" + p.Description + ")"
			}
			params = append(params, b)
		}
		if len(params) == 0 {
			params = append(params, "none")
		}
		out = append(out, toolView{Name: s.Name, Description: s.Description, Parameters: strings.Join(params, "; ")})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Parse extracts a decision from a model reply. The reply may wrap the JSON
// object in prose or a fenced code block.
func Parse(reply string) (runtime.Decision, *errmodel.Error) {
	obj, ok := extractObject(reply)
	if !ok {
		return runtime.Decision{}, errmodel.Decision("malformed_decision", "reply does not contain a JSON object", nil)
	}
	action := strings.ToLower(gjson.Get(obj, "action").String())
	toolName := firstString(obj, "tool", "tool_name", "name")
	if action == "" && toolName != "" {
		action = string(runtime.ActionCall)
	}
	switch runtime.Action(action) {
	case runtime.ActionFinal, "answer", "finish":
		text := firstString(obj, "answer", "text", "final")
		if strings.TrimSpace(text) == "" {
			return runtime.Decision{}, errmodel.Decision("malformed_decision", "final answer is empty", nil)
		}
		return runtime.Decision{Action: runtime.ActionFinal, Text: text}, nil
	case runtime.ActionCall, "tool", "tool_call":
		if toolName == "" {
			return runtime.Decision{}, errmodel.Decision("malformed_decision", "tool call without a tool name", nil)
		}
		args, err := arguments(gjson.Get(obj, "arguments"))
		if err != nil {
			return runtime.Decision{}, errmodel.Decision("malformed_decision", "arguments must be a JSON object", map[string]any{"tool": toolName})
		}
		return runtime.Decision{Action: runtime.ActionCall, ToolName: toolName, Arguments: args}, nil
	}
	return runtime.Decision{}, errmodel.Decision("malformed_decision", "action must be call or final", map[string]any{"action": action})
}

func arguments(r gjson.Result) (map[string]any, error) {
	raw := r.Raw
	if r.Type == gjson.String {
		raw = r.String()
	}
	if !r.Exists() || raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func firstString(obj string, keys ...string) string {
	for _, k := range keys {
		if r := gjson.Get(obj, k); r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

// extractObject finds the first valid JSON object in s.
func extractObject(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if j := strings.Index(body, "```"); j >= 0 {
			if obj, ok := extractObject(body[:j]); ok {
				return obj, true
			}
		}
	}
	for start := strings.IndexByte(s, '{'); start >= 0; {
		for end := strings.LastIndexByte(s, '}'); end > start; end = strings.LastIndexByte(s[:end], '}') {
			cand := s[start : end+1]
			if gjson.Valid(cand) {
				return cand, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
