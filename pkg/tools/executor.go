package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/llm"
)

// maxSummaryLen bounds the derived query string shown in tool_call events.
const maxSummaryLen = 120

// Executor dispatches model tool calls: it emits a tool_call event, runs
// the tool, emits a tool_result event (metadata minus bulky fields), and
// returns the string content to the agent loop. Tool failures and unknown
// names become error tool results and never abort the loop.
type Executor struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewExecutor creates an Executor over a registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{
		registry: registry,
		logger:   slog.With("component", "tool_executor"),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Execute runs one tool call end to end. The returned sources (if any)
// are collected by the agent loop into a consolidated sources event after
// the whole tool batch.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall, inv *Invocation, emit func(events.Event)) (llm.ToolResult, []events.Source) {
	query := summarizeCall(call)
	emit(&events.ToolCallEvent{ID: call.ID, Tool: call.Name, Query: query})

	result, err := e.run(ctx, call, inv)
	if err != nil {
		e.logger.Warn("Tool call failed",
			"tool", call.Name, "call_id", call.ID, "error", err)
		emit(&events.ToolResultEvent{ID: call.ID, Tool: call.Name, Success: false, Query: query})
		return llm.ToolResult{
			CallID:  call.ID,
			Content: fmt.Sprintf("Error: %v", err),
			IsError: true,
		}, nil
	}

	emit(&events.ToolResultEvent{
		ID:      call.ID,
		Tool:    call.Name,
		Success: result.Success,
		Found:   foundFromMetadata(result.Metadata),
		Query:   query,
		Extra:   compactMetadata(result.Metadata),
	})

	return llm.ToolResult{
		CallID:  call.ID,
		Content: result.Content,
		IsError: !result.Success,
	}, sourcesFromMetadata(result.Metadata)
}

// run resolves, validates, and invokes the tool.
func (e *Executor) run(ctx context.Context, call llm.ToolCall, inv *Invocation) (*Result, error) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	if !toolAvailable(tool, inv) {
		return nil, fmt.Errorf("tool %q is not available in this context", call.Name)
	}
	if err := e.validate(tool, call.Input); err != nil {
		return nil, err
	}

	result, err := tool.Execute(ctx, call.Input, inv)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// validate checks the model-supplied params against the tool's schema.
func (e *Executor) validate(tool Tool, params json.RawMessage) error {
	schema, err := e.compiled(tool)
	if err != nil {
		return err
	}

	var value any
	if len(params) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(params, &value); err != nil {
		return fmt.Errorf("invalid params for %s: %w", tool.Name(), err)
	}

	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("params for %s failed validation: %w", tool.Name(), err)
	}
	return nil
}

// compiled returns the tool's compiled schema, caching per tool name.
func (e *Executor) compiled(tool Tool) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.schemas[tool.Name()]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(tool.Name()+".json", string(tool.Schema()))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema for %s: %w", tool.Name(), err)
	}
	e.schemas[tool.Name()] = s
	return s, nil
}

// summarizeCall derives the short human-readable summary shown in
// tool_call events from the call's input fields.
func summarizeCall(call llm.ToolCall) string {
	var input map[string]any
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return ""
	}
	for _, key := range []string{"query", "question", "resource", "name", "content"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, maxSummaryLen)
		}
	}
	return ""
}

// foundFromMetadata reads the "found" count a tool put in its metadata.
func foundFromMetadata(meta map[string]any) int {
	if meta == nil {
		return 0
	}
	switch v := meta["found"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// compactMetadata strips bulky and already-surfaced fields, keeping small
// tool-specific extras (saved, finding_id, ...) for the event payload.
func compactMetadata(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any)
	for k, v := range meta {
		switch k {
		case "sources", "found", "query":
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// truncate cuts on a rune boundary so multibyte input stays valid UTF-8.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
