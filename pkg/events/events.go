package events

import (
	"encoding/json"
	"fmt"
)

// Event is one item in a job's event stream. Concrete types below form a
// closed set; the wire form is the struct's JSON with an injected "type"
// discriminator (see Marshal / Parse).
type Event interface {
	Kind() string
}

// StatusEvent reports a job status transition.
type StatusEvent struct {
	Status string `json:"status"`
}

func (StatusEvent) Kind() string { return KindStatus }

// PlanEvent carries the model's optional upfront plan.
type PlanEvent struct {
	Acknowledgment string   `json:"acknowledgment"`
	Steps          []string `json:"steps,omitempty"`
}

func (PlanEvent) Kind() string { return KindPlan }

// ToolCallEvent announces a tool invocation with a short derived summary.
type ToolCallEvent struct {
	ID    string `json:"id,omitempty"`
	Tool  string `json:"tool"`
	Query string `json:"query,omitempty"`
}

func (ToolCallEvent) Kind() string { return KindToolCall }

// ToolResultEvent reports the outcome of a tool invocation. Bulky metadata
// (full source payloads) is stripped before this event is built; Extra
// carries small tool-specific fields such as saved/finding_id, flattened
// into the wire object as top-level keys.
type ToolResultEvent struct {
	ID      string         `json:"id,omitempty"`
	Tool    string         `json:"tool"`
	Success bool           `json:"success"`
	Found   int            `json:"found"`
	Query   string         `json:"query,omitempty"`
	Extra   map[string]any `json:"-"`
}

func (ToolResultEvent) Kind() string { return KindToolResult }

// toolResultKeys are the fixed wire fields of a tool_result; extras may not
// shadow them.
var toolResultKeys = map[string]struct{}{
	"type": {}, "id": {}, "tool": {}, "success": {}, "found": {}, "query": {},
}

// MarshalJSON writes Extra entries as top-level keys alongside the fixed
// fields, so a tool_result frame reads {type, tool, found, saved, ...}.
func (e ToolResultEvent) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"tool":    e.Tool,
		"success": e.Success,
		"found":   e.Found,
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	if e.Query != "" {
		m["query"] = e.Query
	}
	for k, v := range e.Extra {
		if _, reserved := toolResultKeys[k]; reserved {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON collects every non-fixed key back into Extra.
func (e *ToolResultEvent) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["id"].(string); ok {
		e.ID = v
	}
	if v, ok := m["tool"].(string); ok {
		e.Tool = v
	}
	if v, ok := m["success"].(bool); ok {
		e.Success = v
	}
	if v, ok := m["found"].(float64); ok {
		e.Found = int(v)
	}
	if v, ok := m["query"].(string); ok {
		e.Query = v
	}
	extra := make(map[string]any)
	for k, v := range m {
		if _, reserved := toolResultKeys[k]; reserved {
			continue
		}
		extra[k] = v
	}
	if len(extra) > 0 {
		e.Extra = extra
	}
	return nil
}

// SourcesEvent replaces the job's accumulated source citations.
type SourcesEvent struct {
	Sources []Source `json:"sources"`
}

func (SourcesEvent) Kind() string { return KindSources }

// Source is one citation produced by document search.
type Source struct {
	ResourceID string  `json:"resource_id,omitempty"`
	Name       string  `json:"name"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Score      float64 `json:"score,omitempty"`
	URL        string  `json:"url,omitempty"`
}

// ThinkingEvent carries a delta of the model's reasoning tokens.
type ThinkingEvent struct {
	Content string `json:"content"`
}

func (ThinkingEvent) Kind() string { return KindThinking }

// ChunkEvent carries a delta of assistant answer text. The concatenation of
// all chunk contents equals the final assistant turn content.
type ChunkEvent struct {
	Content string `json:"content"`
}

func (ChunkEvent) Kind() string { return KindChunk }

// UsageEvent reports accumulated token counts.
type UsageEvent struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (UsageEvent) Kind() string { return KindUsage }

// DoneEvent terminates a successful stream. MessageID is the assistant turn
// id when the producer has already persisted it.
type DoneEvent struct {
	MessageID string `json:"message_id,omitempty"`
}

func (DoneEvent) Kind() string { return KindDone }

// ErrorEvent terminates a failed stream. Cancelled marks user-initiated
// cancellation, which is terminal but produces no failure notification.
type ErrorEvent struct {
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

func (ErrorEvent) Kind() string { return KindError }

// JobUpdateEvent is the terse per-project (and global) status broadcast.
// ProjectID is empty on the project channel and set on the global channel.
type JobUpdateEvent struct {
	ProjectID string `json:"project_id,omitempty"`
	ThreadID  string `json:"thread_id"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
}

func (JobUpdateEvent) Kind() string { return KindJobUpdate }

// IsTerminalKind reports whether an event kind ends the stream.
func IsTerminalKind(kind string) bool {
	return kind == KindDone || kind == KindError
}

// Marshal serialises an event to its wire form: the struct's JSON fields
// plus a "type" discriminator.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to reshape %s event: %w", ev.Kind(), err)
	}
	m["type"] = ev.Kind()
	return json.Marshal(m)
}

// KindOf extracts the "type" discriminator from a wire event without
// decoding the full payload.
func KindOf(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("failed to read event type: %w", err)
	}
	if envelope.Type == "" {
		return "", fmt.Errorf("event has no type discriminator")
	}
	return envelope.Type, nil
}

// Parse decodes a wire event back into its concrete type.
func Parse(data []byte) (Event, error) {
	kind, err := KindOf(data)
	if err != nil {
		return nil, err
	}

	var ev Event
	switch kind {
	case KindStatus:
		ev = &StatusEvent{}
	case KindPlan:
		ev = &PlanEvent{}
	case KindToolCall:
		ev = &ToolCallEvent{}
	case KindToolResult:
		ev = &ToolResultEvent{}
	case KindSources:
		ev = &SourcesEvent{}
	case KindThinking:
		ev = &ThinkingEvent{}
	case KindChunk:
		ev = &ChunkEvent{}
	case KindUsage:
		ev = &UsageEvent{}
	case KindDone:
		ev = &DoneEvent{}
	case KindError:
		ev = &ErrorEvent{}
	case KindJobUpdate:
		ev = &JobUpdateEvent{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", kind, err)
	}
	return ev, nil
}
