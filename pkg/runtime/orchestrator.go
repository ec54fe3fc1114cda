// Package runtime drives a request through the bounded decide, execute and
// feed back loop. Each HandleRequest call owns its Conversation; the only
// shared state it touches is behind the tool registry and the device session
// manager.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/netorch/pkg/device"
	"github.com/wilhg/netorch/pkg/errmodel"
	"github.com/wilhg/netorch/pkg/executor"
	"github.com/wilhg/netorch/pkg/journal"
	"github.com/wilhg/netorch/pkg/tool"
)

// Defaults.
const (
	DefaultMaxSteps          = 6
	DefaultMaxDecisionErrors = 2
	DefaultCallTimeout       = 5 * time.Minute
)

// Run outcomes.
const (
	RunDone    = "done"
	RunAborted = "aborted"
)

// Abort reasons.
const (
	AbortMaxSteps       = "max_steps"
	AbortDecisionErrors = "decision_errors"
	AbortCancelled      = "cancelled"
	AbortToolError      = "tool_error"
)

// Action is what a decision asks for.
type Action string

const (
	ActionCall  Action = "call"
	ActionFinal Action = "final"
)

// Decision is the output of a Decider: either a tool call or a final answer.
type Decision struct {
	Action    Action         `json:"action"`
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Text      string         `json:"text,omitempty"`
}

// Decider chooses the next step from the conversation so far and the
// available tools. It must not retain conv.
type Decider interface {
	Decide(ctx context.Context, conv *Conversation, tools []tool.ToolSchema) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, conv *Conversation, tools []tool.ToolSchema) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, conv *Conversation, tools []tool.ToolSchema) (Decision, error) {
	return f(ctx, conv, tools)
}

// Tools is the registry surface the orchestrator needs.
type Tools interface {
	List() []tool.ToolSchema
	Lookup(name string) (tool.ToolSchema, bool)
	Invoker(name string) (tool.InvokeFunc, bool)
}

// Guard vets a validated tool call before it runs. A non-nil error denies it.
type Guard interface {
	Check(ctx context.Context, s tool.ToolSchema, args map[string]any) error
}

// ConfirmationLister reports confirmed commits registered by a run.
type ConfirmationLister interface {
	ConfirmationsForRun(runID string) []executor.Confirmation
}

// Result is the caller-facing outcome of one request.
type Result struct {
	RunID         string                  `json:"run_id"`
	Status        string                  `json:"status"`
	FinalAnswer   string                  `json:"final_answer,omitempty"`
	AbortReason   string                  `json:"abort_reason,omitempty"`
	Error         *errmodel.Error         `json:"error,omitempty"`
	Trace         []Turn                  `json:"trace"`
	Confirmations []executor.Confirmation `json:"confirmations,omitempty"`
}

// ToolCalls counts the tool call turns of the trace.
func (r *Result) ToolCalls() int {
	n := 0
	for _, t := range r.Trace {
		if t.Kind == TurnToolCall {
			n++
		}
	}
	return n
}

// Orchestrator runs requests. It is safe for concurrent use; every request
// gets its own Conversation.
type Orchestrator struct {
	tools    Tools
	decider  Decider
	guard    Guard
	journal  journal.Journal
	confirms ConfirmationLister
	log      *slog.Logger
	now      func() time.Time

	maxSteps          int
	maxDecisionErrors int
	callTimeout       time.Duration
	abortOn           map[string]bool

	tracer    trace.Tracer
	requests  metric.Int64Counter
	toolCalls metric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxSteps caps the number of tool calls per request.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithMaxDecisionErrors sets how many consecutive decision errors are tolerated.
func WithMaxDecisionErrors(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxDecisionErrors = n
		}
	}
}

// WithCallTimeout bounds a single tool call, independent of the request context.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithAbortOn sets the error categories that abort the run when a tool call
// fails with them. Other failures are fed back to the decider.
func WithAbortOn(categories ...string) Option {
	return func(o *Orchestrator) {
		o.abortOn = map[string]bool{}
		for _, c := range categories {
			o.abortOn[strings.ToLower(c)] = true
		}
	}
}

// WithGuard sets the policy guard.
func WithGuard(g Guard) Option { return func(o *Orchestrator) { o.guard = g } }

// WithJournal records requests, tool results and final outcomes.
func WithJournal(j journal.Journal) Option { return func(o *Orchestrator) { o.journal = j } }

// WithConfirmations attaches confirmed-commit status to results.
func WithConfirmations(c ConfirmationLister) Option {
	return func(o *Orchestrator) { o.confirms = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns an orchestrator over tools and decider.
func New(tools Tools, decider Decider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tools:             tools,
		decider:           decider,
		log:               slog.Default(),
		now:               time.Now,
		maxSteps:          DefaultMaxSteps,
		maxDecisionErrors: DefaultMaxDecisionErrors,
		callTimeout:       DefaultCallTimeout,
		abortOn:           map[string]bool{errmodel.CategorySystem: true},
		tracer:            otel.Tracer("netorch/runtime"),
	}
	for _, opt := range opts {
		opt(o)
	}
	meter := otel.Meter("netorch/runtime")
	o.requests, _ = meter.Int64Counter("orchestrator.requests", metric.WithDescription("Requests by outcome"))
	o.toolCalls, _ = meter.Int64Counter("orchestrator.tool_calls", metric.WithDescription("Tool calls by tool and status"))
	return o
}

// HandleRequest runs the loop for one request. It returns an error only for
// an empty request; every other failure is reported in the Result.
func (o *Orchestrator) HandleRequest(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errmodel.Validation("missing_fields", "request text is empty", map[string]any{"fields": []string{"text"}})
	}
	runID := uuid.NewString()
	ctx = journal.WithRun(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_request", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	conv := newConversation(text, o.now)
	o.record(ctx, journal.Entry{RunID: runID, Kind: journal.KindRequest}, map[string]any{"text": text})
	log := o.log.With("run_id", runID)
	log.Info("request started")

	res := o.loop(ctx, runID, conv, log)
	res.RunID = runID
	res.Trace = conv.Turns()
	if o.confirms != nil {
		res.Confirmations = o.confirms.ConfirmationsForRun(runID)
	}
	o.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("status", res.Status), attribute.String("abort_reason", res.AbortReason)))
	span.SetAttributes(attribute.String("run.status", res.Status), attribute.Int("run.tool_calls", res.ToolCalls()))
	o.record(ctx, journal.Entry{RunID: runID, Kind: journal.KindFinal, Status: res.Status}, map[string]any{
		"final_answer": res.FinalAnswer, "abort_reason": res.AbortReason, "error": res.Error,
	})
	log.Info("request finished", "status", res.Status, "abort_reason", res.AbortReason, "tool_calls", res.ToolCalls())
	return res, nil
}

func (o *Orchestrator) loop(ctx context.Context, runID string, conv *Conversation, log *slog.Logger) *Result {
	steps, decisionErrs := 0, 0
	for {
		if ctx.Err() != nil {
			return aborted(AbortCancelled, errmodel.From(ctx.Err()))
		}
		dec, derr := o.decide(ctx, conv)
		if ctx.Err() != nil {
			return aborted(AbortCancelled, errmodel.From(ctx.Err()))
		}
		var schema tool.ToolSchema
		if derr == nil && dec.Action == ActionCall {
			var ok bool
			if schema, ok = o.tools.Lookup(dec.ToolName); !ok {
				derr = errmodel.Decision("unknown_tool", "decision named a tool that is not registered", map[string]any{errmodel.KeyTool: dec.ToolName})
			}
		}
		if derr != nil {
			conv.append(Turn{Kind: TurnDecisionError, Error: derr})
			decisionErrs++
			log.Warn("decision error", "code", derr.Code, "message", derr.Message, "consecutive", decisionErrs)
			if decisionErrs > o.maxDecisionErrors {
				return aborted(AbortDecisionErrors, derr)
			}
			continue
		}
		decisionErrs = 0

		if dec.Action == ActionFinal {
			conv.append(Turn{Kind: TurnFinalAnswer, Text: dec.Text})
			return &Result{Status: RunDone, FinalAnswer: dec.Text}
		}

		if steps >= o.maxSteps {
			return aborted(AbortMaxSteps, errmodel.New(errmodel.CategorySystem, "max_steps",
				"tool call limit reached before a final answer", map[string]any{"max_steps": o.maxSteps}))
		}
		steps++
		args := dec.Arguments
		if args == nil {
			args = map[string]any{}
		}
		conv.append(Turn{Kind: TurnToolCall, Call: &ToolCallRequest{ToolName: schema.Name, Arguments: redact(args)}})

		result, ok := o.execute(ctx, runID, schema, args, log)
		if !ok {
			return aborted(AbortCancelled, errmodel.From(ctx.Err()))
		}
		conv.append(Turn{Kind: TurnToolResult, Result: &result})
		if result.Error != nil && o.abortOn[result.Error.Category] {
			return aborted(AbortToolError, result.Error)
		}
	}
}

func aborted(reason string, err *errmodel.Error) *Result {
	return &Result{Status: RunAborted, AbortReason: reason, Error: err}
}

// decide asks the decider and normalizes its answer; any failure becomes a
// decision error.
func (o *Orchestrator) decide(ctx context.Context, conv *Conversation) (Decision, *errmodel.Error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.decide")
	defer span.End()
	dec, err := o.decider.Decide(ctx, conv, o.tools.List())
	if err != nil {
		span.RecordError(err)
		var ce *errmodel.Error
		if errors.As(err, &ce) && ce.Category == errmodel.CategoryDecision {
			return Decision{}, ce
		}
		return Decision{}, errmodel.New(errmodel.CategoryDecision, "decider_failed", err.Error(), nil, err)
	}
	dec.Action = Action(strings.ToLower(strings.TrimSpace(string(dec.Action))))
	switch dec.Action {
	case ActionFinal:
		if strings.TrimSpace(dec.Text) == "" {
			return Decision{}, errmodel.Decision("malformed_decision", "final answer is empty", nil)
		}
	case ActionCall:
		if dec.ToolName == "" {
			return Decision{}, errmodel.Decision("malformed_decision", "tool call without a tool name", nil)
		}
	default:
		return Decision{}, errmodel.Decision("malformed_decision", "action must be call or final", map[string]any{"action": string(dec.Action)})
	}
	return dec, nil
}

type outcome struct {
	payload map[string]any
	err     error
	latency time.Duration
}

// execute validates, guards and runs one call. The call itself runs detached
// from ctx so a device write is never abandoned midway; if ctx ends first the
// result is recorded in the journal but not returned (ok is false).
func (o *Orchestrator) execute(ctx context.Context, runID string, s tool.ToolSchema, args map[string]any, log *slog.Logger) (ToolCallResult, bool) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.tool_call", trace.WithAttributes(attribute.String("tool", s.Name)))
	defer span.End()

	if err := tool.ValidateArgs(s, args); err != nil {
		return o.finish(ctx, runID, s, args, outcome{err: err}, log), true
	}
	if o.guard != nil {
		if err := o.guard.Check(ctx, s, args); err != nil {
			return o.finish(ctx, runID, s, args, outcome{err: err}, log), true
		}
	}
	inv, ok := o.tools.Invoker(s.Name)
	if !ok {
		err := errmodel.Validation("unknown_tool", "tool disappeared from the registry", map[string]any{errmodel.KeyTool: s.Name})
		return o.finish(ctx, runID, s, args, outcome{err: err}, log), true
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	done := make(chan outcome, 1)
	go func() {
		defer cancel()
		start := o.now()
		payload, err := inv(callCtx, args)
		done <- outcome{payload: payload, err: err, latency: o.now().Sub(start)}
	}()
	select {
	case out := <-done:
		return o.finish(ctx, runID, s, args, out, log), true
	case <-ctx.Done():
		go func() {
			out := <-done
			log.Warn("tool call finished after the request was cancelled; result discarded", "tool", s.Name)
			o.finish(context.WithoutCancel(ctx), runID, s, args, out, log)
		}()
		return ToolCallResult{}, false
	}
}

func (o *Orchestrator) finish(ctx context.Context, runID string, s tool.ToolSchema, args map[string]any, out outcome, log *slog.Logger) ToolCallResult {
	r := ToolCallResult{ToolName: s.Name, Arguments: redact(args), Latency: out.latency}
	if out.err != nil {
		r.Status = StatusError
		r.Error = errmodel.From(out.err)
		if r.Error.Context[errmodel.KeyTool] == nil {
			r.Error = r.Error.With(map[string]any{errmodel.KeyTool: s.Name})
		}
	} else {
		r.Status = StatusSuccess
		r.Payload = out.payload
		if r.Payload == nil {
			r.Payload = map[string]any{}
		}
	}
	host, _ := args["host"].(string)
	o.toolCalls.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("tool", s.Name), attribute.String("status", r.Status)))
	if r.Error != nil {
		log.Info("tool call failed", "tool", s.Name, "host", host, "category", r.Error.Category, "code", r.Error.Code, "latency", out.latency)
	} else {
		log.Info("tool call succeeded", "tool", s.Name, "host", host, "latency", out.latency)
	}
	o.record(ctx, journal.Entry{RunID: runID, Kind: journal.KindToolResult, Tool: s.Name, Host: host, Status: r.Status}, r)
	return r
}

func (o *Orchestrator) record(ctx context.Context, e journal.Entry, payload any) {
	if _, err := journal.Record(context.WithoutCancel(ctx), o.journal, e, payload); err != nil {
		o.log.Warn("journal append failed", "run_id", e.RunID, "kind", e.Kind, "error", err)
	}
}

// redact masks secrets before arguments enter the trace or the journal.
func redact(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok && isSecret(k) {
			out[k] = device.Mask(s)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "secret") || strings.Contains(k, "token")
}
