package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/llm"
)

func collectEvents() (func(events.Event), *[]events.Event) {
	var got []events.Event
	return func(ev events.Event) { got = append(got, ev) }, &got
}

func TestExecutorDispatch(t *testing.T) {
	exec := NewExecutor(NewRegistry())

	t.Run("successful call emits tool_call then tool_result", func(t *testing.T) {
		emit, got := collectEvents()
		inv := &Invocation{Retriever: &fakeRetriever{chunks: []RetrievedChunk{
			{ResourceID: "r1", ResourceName: "report.txt", Content: "Q3 revenue grew 12%", Score: 0.9},
		}}}

		result, sources := exec.Execute(context.Background(), llm.ToolCall{
			ID:    "call-1",
			Name:  "search_documents",
			Input: json.RawMessage(`{"query":"revenue"}`),
		}, inv, emit)

		assert.False(t, result.IsError)
		assert.Contains(t, result.Content, "Q3 revenue")
		require.Len(t, sources, 1)

		require.Len(t, *got, 2)
		call, ok := (*got)[0].(*events.ToolCallEvent)
		require.True(t, ok)
		assert.Equal(t, "search_documents", call.Tool)
		assert.Equal(t, "revenue", call.Query)

		res, ok := (*got)[1].(*events.ToolResultEvent)
		require.True(t, ok)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.Found)
		// Bulky sources never appear in the event payload.
		assert.NotContains(t, res.Extra, "sources")
	})

	t.Run("unknown tool becomes an error result without raising", func(t *testing.T) {
		emit, got := collectEvents()
		result, _ := exec.Execute(context.Background(), llm.ToolCall{
			ID:    "call-2",
			Name:  "launch_rocket",
			Input: json.RawMessage(`{}`),
		}, &Invocation{}, emit)

		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "unknown tool")
		res, ok := (*got)[1].(*events.ToolResultEvent)
		require.True(t, ok)
		assert.False(t, res.Success)
	})

	t.Run("schema validation rejects bad params", func(t *testing.T) {
		emit, _ := collectEvents()
		result, _ := exec.Execute(context.Background(), llm.ToolCall{
			ID:    "call-3",
			Name:  "search_documents",
			Input: json.RawMessage(`{"limit":3}`), // missing required query
		}, &Invocation{Retriever: &fakeRetriever{}}, emit)

		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "failed validation")
	})

	t.Run("unavailable capability becomes an error result", func(t *testing.T) {
		emit, _ := collectEvents()
		result, _ := exec.Execute(context.Background(), llm.ToolCall{
			ID:    "call-4",
			Name:  "search_web",
			Input: json.RawMessage(`{"query":"golang"}`),
		}, &Invocation{}, emit)

		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "not available")
	})

	t.Run("tool failure is recovered as error result", func(t *testing.T) {
		emit, got := collectEvents()
		inv := &Invocation{WebSearch: &fakeWebSearcher{err: assert.AnError}}
		result, _ := exec.Execute(context.Background(), llm.ToolCall{
			ID:    "call-5",
			Name:  "search_web",
			Input: json.RawMessage(`{"query":"golang"}`),
		}, inv, emit)

		assert.True(t, result.IsError)
		res, ok := (*got)[1].(*events.ToolResultEvent)
		require.True(t, ok)
		assert.False(t, res.Success)
	})
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("é", maxSummaryLen+30)
	got := truncate(long, maxSummaryLen)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", maxSummaryLen)+"…", got)
	assert.Equal(t, "short", truncate("short", maxSummaryLen))
}

func TestSummarizeCall(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"query preferred", `{"query":"revenue","limit":3}`, "revenue"},
		{"resource fallback", `{"resource":"sales.csv"}`, "sales.csv"},
		{"content fallback", `{"content":"a finding"}`, "a finding"},
		{"empty input", `{}`, ""},
		{"invalid json", `{broken`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summarizeCall(llm.ToolCall{Input: json.RawMessage(tt.input)})
			assert.Equal(t, tt.want, got)
		})
	}
}
