package queue

import (
	"encoding/json"
	"strings"

	"github.com/quarry-ai/quarry/pkg/events"
)

// checkpointBytes is how much new streamed content accumulates before the
// next durable checkpoint. Sources and usage updates flush immediately.
const checkpointBytes = 500

// checkpointer batches streamed content into durable writes so a crash or
// disconnect loses at most one batch.
type checkpointer struct {
	flush   func(content string, sources json.RawMessage) error
	pending strings.Builder
	sources json.RawMessage
	dirty   bool
}

func newCheckpointer(flush func(content string, sources json.RawMessage) error) *checkpointer {
	return &checkpointer{flush: flush}
}

// Observe folds one event into the checkpoint state and reports whether a
// flush was triggered.
func (c *checkpointer) Observe(ev events.Event) bool {
	switch e := ev.(type) {
	case *events.ChunkEvent:
		c.pending.WriteString(e.Content)
		if c.pending.Len() >= checkpointBytes {
			c.Flush()
			return true
		}
	case *events.SourcesEvent:
		if raw, err := json.Marshal(e.Sources); err == nil {
			c.sources = raw
			c.dirty = true
		}
		c.Flush()
		return true
	case *events.UsageEvent:
		c.Flush()
		return true
	}
	return false
}

// Flush writes any pending content and source changes. Errors are the flush
// function's to handle; the checkpointer resets its buffers regardless so a
// failing store cannot grow them without bound.
func (c *checkpointer) Flush() {
	if c.pending.Len() == 0 && !c.dirty {
		return
	}
	var sources json.RawMessage
	if c.dirty {
		sources = c.sources
	}
	_ = c.flush(c.pending.String(), sources)
	c.pending.Reset()
	c.dirty = false
}
