package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/pkg/events"
)

func TestJobEventMessageWireShape(t *testing.T) {
	frame, err := events.Marshal(&events.ChunkEvent{Content: "hello"})
	require.NoError(t, err)

	data, err := json.Marshal(jobEventMessage{
		Type:     "job_event",
		ThreadID: "thread-1",
		JobID:    "job-1",
		Event:    frame,
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "job_event", m["type"])
	assert.Equal(t, "thread-1", m["thread_id"])

	// The inner event stays a JSON object, not a re-encoded string.
	inner, ok := m["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "chunk", inner["type"])
	assert.Equal(t, "hello", inner["content"])
}

func TestJobStateMessageNullState(t *testing.T) {
	data, err := json.Marshal(jobStateMessage{
		Type:     "job_state",
		ThreadID: "thread-1",
		State:    nil,
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "job_state", m["type"])
	_, hasJobID := m["job_id"]
	assert.False(t, hasJobID, "job_id should be omitted for idle threads")
	assert.Nil(t, m["state"])
}
