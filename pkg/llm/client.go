// Package llm abstracts the model provider behind a streaming client.
// The agent loop consumes deltas through a callback and receives the
// accumulated result (including provider-native assistant blocks) when
// the stream ends.
package llm

import (
	"context"
	"encoding/json"
)

// Delta kinds emitted during streaming.
const (
	DeltaText     = "text"
	DeltaThinking = "thinking"
)

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Delta is one streamed increment of model output.
type Delta struct {
	Kind string
	Text string
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a tool call, fed back as the next user turn.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Turn is one conversation message. For assistant turns produced by a
// streaming call, Raw holds the provider-native message param with all
// content blocks (including reasoning blocks) preserved verbatim; the
// provider requires them reflected back unmodified when tool use is in
// play. Raw takes precedence over the other fields when present.
type Turn struct {
	Role        string
	Text        string
	ToolResults []ToolResult
	Raw         any
}

// Request is one model call.
type Request struct {
	System         string
	Turns          []Turn
	Tools          []ToolDef
	MaxTokens      int
	EnableThinking bool
	ThinkingBudget int
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the accumulated outcome of one streaming call.
type Result struct {
	StopReason string
	Text       string
	Thinking   string
	ToolCalls  []ToolCall
	Assistant  Turn
	Usage      Usage
}

// Client is the model provider interface.
type Client interface {
	// Stream performs one streaming model call, invoking emit for every
	// text or thinking delta in arrival order.
	Stream(ctx context.Context, req *Request, emit func(Delta)) (*Result, error)

	// Describe performs a non-streaming vision call against an image file.
	Describe(ctx context.Context, prompt, imagePath string) (string, error)
}
