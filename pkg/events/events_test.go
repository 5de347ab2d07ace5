package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalInjectsTypeDiscriminator(t *testing.T) {
	wire, err := Marshal(&ChunkEvent{Content: "hello"})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(wire, &m))
	assert.Equal(t, "chunk", m["type"])
	assert.Equal(t, "hello", m["content"])
}

func TestParseRoundTrip(t *testing.T) {
	original := &ToolResultEvent{
		ID:      "call-3",
		Tool:    "search_web",
		Success: false,
		Found:   0,
		Query:   "golang release notes",
	}
	wire, err := Marshal(original)
	require.NoError(t, err)

	parsed, err := Parse(wire)
	require.NoError(t, err)
	result, ok := parsed.(*ToolResultEvent)
	require.True(t, ok)
	assert.Equal(t, original, result)
}

func TestToolResultExtrasAreTopLevel(t *testing.T) {
	wire, err := Marshal(&ToolResultEvent{
		Tool:    "save_finding",
		Success: true,
		Found:   1,
		Extra:   map[string]any{"saved": true, "finding_id": "f-1"},
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(wire, &m))
	assert.Equal(t, "tool_result", m["type"])
	assert.Equal(t, true, m["saved"])
	assert.Equal(t, "f-1", m["finding_id"])
	assert.NotContains(t, m, "extra")

	parsed, err := Parse(wire)
	require.NoError(t, err)
	result, ok := parsed.(*ToolResultEvent)
	require.True(t, ok)
	assert.Equal(t, "save_finding", result.Tool)
	assert.Equal(t, map[string]any{"saved": true, "finding_id": "f-1"}, result.Extra)
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`{"type":"telemetry"}`))
	assert.ErrorContains(t, err, "unknown event kind")

	_, err = Parse([]byte(`{"content":"no type"}`))
	assert.ErrorContains(t, err, "no type discriminator")
}

func TestIsTerminalKind(t *testing.T) {
	assert.True(t, IsTerminalKind(KindDone))
	assert.True(t, IsTerminalKind(KindError))
	assert.False(t, IsTerminalKind(KindChunk))
	assert.False(t, IsTerminalKind(KindStatus))
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "job:j1:stream", JobChannel("j1"))
	assert.Equal(t, "job:j1:state", JobStateKey("j1"))
	assert.Equal(t, "project:p1:jobs", ProjectChannel("p1"))
}
