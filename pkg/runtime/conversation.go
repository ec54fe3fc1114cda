package runtime

import (
	"encoding/json"
	"time"

	"github.com/wilhg/netorch/pkg/errmodel"
)

// TurnKind identifies what a conversation turn holds.
type TurnKind string

const (
	TurnUserRequest   TurnKind = "user_request"
	TurnToolCall      TurnKind = "tool_call"
	TurnToolResult    TurnKind = "tool_result"
	TurnDecisionError TurnKind = "decision_error"
	TurnFinalAnswer   TurnKind = "final_answer"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ToolCallRequest is a decision to call one tool.
type ToolCallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallResult is the outcome of one tool call. Exactly one of Payload
// and Error is set.
type ToolCallResult struct {
	ToolName  string          `json:"tool_name"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Status    string          `json:"status"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Error     *errmodel.Error `json:"error,omitempty"`
	Latency   time.Duration   `json:"latency_ns"`
}

// Turn is one entry of a conversation. Turns are appended and never mutated.
type Turn struct {
	Seq    int              `json:"seq"`
	Kind   TurnKind         `json:"kind"`
	Text   string           `json:"text,omitempty"`
	Call   *ToolCallRequest `json:"call,omitempty"`
	Result *ToolCallResult  `json:"result,omitempty"`
	Error  *errmodel.Error  `json:"error,omitempty"`
	At     time.Time        `json:"at"`
}

// Conversation is the ordered state of one request. It is owned by a single
// HandleRequest invocation and is not safe for concurrent use.
type Conversation struct {
	turns []Turn
	now   func() time.Time
}

func newConversation(request string, now func() time.Time) *Conversation {
	c := &Conversation{now: now}
	c.append(Turn{Kind: TurnUserRequest, Text: request})
	return c
}

func (c *Conversation) append(t Turn) Turn {
	t.Seq = len(c.turns) + 1
	t.At = c.now().UTC()
	c.turns = append(c.turns, t)
	return t
}

// Request returns the user request that started the conversation.
func (c *Conversation) Request() string {
	if len(c.turns) == 0 {
		return ""
	}
	return c.turns[0].Text
}

// Turns returns a copy of the turns in order.
func (c *Conversation) Turns() []Turn {
	return append([]Turn(nil), c.turns...)
}

// Last returns the most recent turn.
func (c *Conversation) Last() Turn {
	return c.turns[len(c.turns)-1]
}

// Results returns the tool call results in order.
func (c *Conversation) Results() []ToolCallResult {
	var out []ToolCallResult
	for _, t := range c.turns {
		if t.Kind == TurnToolResult && t.Result != nil {
			out = append(out, *t.Result)
		}
	}
	return out
}

// ToolCalls counts tool call turns.
func (c *Conversation) ToolCalls() int {
	n := 0
	for _, t := range c.turns {
		if t.Kind == TurnToolCall {
			n++
		}
	}
	return n
}

// Render formats a turn as a single line of text for prompts and logs.
func (t Turn) Render() string {
	switch t.Kind {
	case TurnUserRequest:
		return "user: " + t.Text
	case TurnToolCall:
		args, _ := json.Marshal(t.Call.Arguments)
		return "call " + t.Call.ToolName + " " + string(args)
	case TurnToolResult:
		if t.Result.Error != nil {
			b, _ := json.Marshal(t.Result.Error)
			return "result " + t.Result.ToolName + " error " + string(b)
		}
		b, _ := json.Marshal(t.Result.Payload)
		return "result " + t.Result.ToolName + " success " + string(b)
	case TurnDecisionError:
		b, _ := json.Marshal(t.Error)
		return "decision error " + string(b)
	case TurnFinalAnswer:
		return "final: " + t.Text
	}
	return string(t.Kind)
}
