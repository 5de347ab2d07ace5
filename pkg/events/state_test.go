package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateApply(t *testing.T) {
	t.Run("running status initializes phase and started_at", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&StatusEvent{Status: "running"})

		assert.Equal(t, "running", s.Status)
		assert.Equal(t, PhaseInitializing, s.CurrentPhase)
		require.NotNil(t, s.StartedAt)
		require.Len(t, s.Activity, 1)
		assert.Equal(t, ActivityPhaseChange, s.Activity[0].Kind)
	})

	t.Run("running status does not reset an existing phase", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ChunkEvent{Content: "hello"})
		s.Apply(&StatusEvent{Status: "running"})

		assert.Equal(t, PhaseResponding, s.CurrentPhase)
		assert.Nil(t, s.StartedAt)
	})

	t.Run("plan sets phase and action", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&PlanEvent{Acknowledgment: "Looking at your sales data", Steps: []string{"load", "summarise"}})

		assert.Equal(t, PhasePlanning, s.CurrentPhase)
		assert.Equal(t, "Looking at your sales data", s.CurrentAction)
		assert.NotEmpty(t, s.Plan)
	})

	t.Run("tool call appends activity with the call id", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ToolCallEvent{ID: "call-1", Tool: "search_documents", Query: "revenue"})

		assert.Equal(t, PhaseSearching, s.CurrentPhase)
		assert.Equal(t, "Searching search_documents", s.CurrentAction)
		require.Len(t, s.Activity, 2) // phase_change + tool_call
		entry := s.Activity[1]
		assert.Equal(t, ActivityToolCall, entry.Kind)
		assert.Equal(t, "call-1", entry.ID)
		assert.Equal(t, "revenue", entry.Query)
	})

	t.Run("tool result moves to thinking", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ToolCallEvent{ID: "call-1", Tool: "search_documents", Query: "revenue"})
		s.Apply(&ToolResultEvent{ID: "call-1", Tool: "search_documents", Success: true, Found: 3})

		assert.Equal(t, PhaseThinking, s.CurrentPhase)
		assert.Equal(t, "Processing results", s.CurrentAction)
		last := s.Activity[len(s.Activity)-1]
		assert.Equal(t, ActivityToolResult, last.Kind)
		assert.Equal(t, 3, last.Found)
		require.NotNil(t, last.Success)
		assert.True(t, *last.Success)
	})

	t.Run("thinking accumulates", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ThinkingEvent{Content: "first "})
		s.Apply(&ThinkingEvent{Content: "second"})

		assert.Equal(t, PhaseThinking, s.CurrentPhase)
		assert.Equal(t, "first second", s.Thinking)
	})

	t.Run("chunks accumulate content and flip phase once", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ChunkEvent{Content: "The answer"})
		activityAfterFirst := len(s.Activity)
		s.Apply(&ChunkEvent{Content: " is 42."})

		assert.Equal(t, PhaseResponding, s.CurrentPhase)
		assert.Equal(t, "The answer is 42.", s.Content)
		assert.Len(t, s.Activity, activityAfterFirst)
	})

	t.Run("sources replace prior sources", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&SourcesEvent{Sources: []Source{{Name: "a.pdf"}}})
		s.Apply(&SourcesEvent{Sources: []Source{{Name: "b.pdf"}, {Name: "c.pdf"}}})

		require.Len(t, s.Sources, 2)
		assert.Equal(t, "b.pdf", s.Sources[0].Name)
	})

	t.Run("usage records token counts", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&UsageEvent{InputTokens: 100, OutputTokens: 40, TotalTokens: 140})

		assert.Equal(t, 100, s.InputTokens)
		assert.Equal(t, 40, s.OutputTokens)
	})

	t.Run("done is terminal", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ChunkEvent{Content: "answer"})
		s.Apply(&DoneEvent{MessageID: "turn-9"})

		assert.True(t, s.Terminal())
		assert.Equal(t, "completed", s.Status)
		assert.Equal(t, "turn-9", s.MessageID)
	})

	t.Run("error is terminal and failed", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ErrorEvent{Message: "model stream reset"})

		assert.True(t, s.Terminal())
		assert.Equal(t, "failed", s.Status)
		assert.Equal(t, "model stream reset", s.Error)
	})

	t.Run("cancelled error maps to cancelled status", func(t *testing.T) {
		s := NewJobState("job-1")
		s.Apply(&ErrorEvent{Message: "cancelled by user", Cancelled: true})

		assert.True(t, s.Terminal())
		assert.Equal(t, "cancelled", s.Status)
	})
}

func TestJobStateContentMatchesChunks(t *testing.T) {
	// The concatenation of all chunk contents must equal the snapshot content
	// regardless of interleaved events.
	s := NewJobState("job-1")
	chunks := []string{"Quarterly ", "revenue ", "grew ", "12%."}
	s.Apply(&StatusEvent{Status: "running"})
	s.Apply(&ChunkEvent{Content: chunks[0]})
	s.Apply(&ThinkingEvent{Content: "checking the table"})
	s.Apply(&ChunkEvent{Content: chunks[1]})
	s.Apply(&ChunkEvent{Content: chunks[2]})
	s.Apply(&SourcesEvent{Sources: []Source{{Name: "sales.csv"}}})
	s.Apply(&ChunkEvent{Content: chunks[3]})

	assert.Equal(t, "Quarterly revenue grew 12%.", s.Content)
}
