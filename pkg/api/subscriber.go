package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/services"
)

// wsWriteTimeout bounds every WebSocket send. A consumer that cannot drain
// its socket within this window loses the connection rather than stalling
// the forwarding goroutines behind it.
const wsWriteTimeout = 10 * time.Second

// jobStateMessage delivers the bus snapshot for a thread's active job.
// State is null when the thread has no live job state.
type jobStateMessage struct {
	Type     string           `json:"type"`
	ThreadID string           `json:"thread_id"`
	JobID    string           `json:"job_id,omitempty"`
	State    *events.JobState `json:"state"`
}

// jobEventMessage wraps one live bus event with its thread and job ids so a
// client multiplexing several threads can route it.
type jobEventMessage struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id"`
	JobID    string          `json:"job_id"`
	Event    json.RawMessage `json:"event"`
}

// SubscriberHub tracks the WebSocket subscriber connections of one process.
// Each connection runs a single read loop; bus subscriptions feed it through
// per-subscription forwarding goroutines.
type SubscriberHub struct {
	bus  *events.Publisher
	jobs *services.JobService

	conns  map[string]*subscriberConn
	mu     sync.Mutex
	closed bool

	logger *slog.Logger
}

// NewSubscriberHub creates a SubscriberHub.
func NewSubscriberHub(bus *events.Publisher, jobs *services.JobService) *SubscriberHub {
	return &SubscriberHub{
		bus:    bus,
		jobs:   jobs,
		conns:  make(map[string]*subscriberConn),
		logger: slog.With("component", "subscriber_hub"),
	}
}

// Close disconnects every subscriber. New connections are rejected after.
func (h *SubscriberHub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*subscriberConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}
}

// subscriberConn is one attached WebSocket client. The read loop owns the
// connection lifecycle; sends are serialized by writeMu because forwarding
// goroutines write concurrently with the read loop's replies.
type subscriberConn struct {
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	// Thread subscription state. Touched by the read loop and by the
	// forwarder's terminal auto-unsubscribe.
	subMu    sync.Mutex
	threadID string
	jobSub   *events.Subscription
}

func (h *SubscriberHub) register(parentCtx context.Context, ws *websocket.Conn) (*subscriberConn, bool) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &subscriberConn{
		id:     uuid.New().String(),
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		cancel()
		return nil, false
	}
	h.conns[c.id] = c
	return c, true
}

func (h *SubscriberHub) unregister(c *subscriberConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.subMu.Lock()
	if c.jobSub != nil {
		c.jobSub.Close()
		c.jobSub = nil
	}
	c.subMu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// HandleProject serves one project subscriber: the active-jobs snapshot,
// the project's terse status updates, and on demand one thread's full job
// stream. Blocks until the connection closes.
func (h *SubscriberHub) HandleProject(parentCtx context.Context, ws *websocket.Conn, projectID string) {
	c, ok := h.register(parentCtx, ws)
	if !ok {
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(c)

	active, err := h.jobs.ListActive(c.ctx, projectID)
	if err != nil {
		h.logger.Warn("Failed to load active jobs for subscriber",
			"project_id", projectID, "error", err)
		return
	}
	h.sendJSON(c, map[string]any{"type": "active_jobs", "jobs": active})

	projectSub, err := h.bus.SubscribeChannel(c.ctx, events.ProjectChannel(projectID))
	if err != nil {
		h.logger.Warn("Failed to subscribe to project channel",
			"project_id", projectID, "error", err)
		return
	}
	defer projectSub.Close()
	go func() {
		for frame := range projectSub.Events {
			if err := h.sendRaw(c, frame); err != nil {
				c.cancel()
				return
			}
		}
	}()

	// Read loop. Exits on close, error, or hub shutdown.
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}

		var msg events.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Invalid subscriber message", "connection_id", c.id, "error", err)
			continue
		}

		switch msg.Type {
		case "subscribe_thread":
			if msg.ThreadID == "" {
				h.sendJSON(c, map[string]string{"type": "error", "message": "thread_id is required"})
				continue
			}
			h.subscribeThread(c, projectID, msg.ThreadID)
		case "unsubscribe_thread":
			h.dropThreadSub(c)
		case "ping":
			h.sendJSON(c, map[string]string{"type": "pong"})
		}
	}
}

// subscribeThread attaches the connection to the thread's active job stream,
// replacing any previous thread subscription. Attaching counts as watching:
// GetActive advances the job's poll watermark.
func (h *SubscriberHub) subscribeThread(c *subscriberConn, projectID, threadID string) {
	h.dropThreadSub(c)

	job, err := h.jobs.GetActive(c.ctx, projectID, threadID)
	if err != nil {
		h.sendJSON(c, map[string]string{"type": "error", "message": "failed to look up active job"})
		return
	}
	if job == nil {
		h.sendJSON(c, jobStateMessage{Type: "job_state", ThreadID: threadID, State: nil})
		return
	}

	sub, err := h.bus.Subscribe(c.ctx, job.ID)
	if err != nil {
		h.logger.Warn("Failed to subscribe to job stream", "job_id", job.ID, "error", err)
		h.sendJSON(c, map[string]string{"type": "error", "message": "failed to subscribe to job"})
		return
	}

	// The job may have turned terminal between the lookup and the
	// subscription; the snapshot is final, so no forwarder is needed.
	if sub.Snapshot != nil && sub.Snapshot.Terminal() {
		h.sendJSON(c, jobStateMessage{Type: "job_state", ThreadID: threadID, JobID: job.ID, State: sub.Snapshot})
		sub.Close()
		return
	}

	c.subMu.Lock()
	c.threadID = threadID
	c.jobSub = sub
	c.subMu.Unlock()

	h.sendJSON(c, jobStateMessage{Type: "job_state", ThreadID: threadID, JobID: job.ID, State: sub.Snapshot})

	// Forward until the stream ends. The subscription closes its channel
	// after a terminal event, which auto-unsubscribes the thread.
	go func() {
		for frame := range sub.Events {
			msg := jobEventMessage{Type: "job_event", ThreadID: threadID, JobID: job.ID, Event: frame}
			if err := h.sendJSONErr(c, msg); err != nil {
				c.cancel()
				break
			}
		}
		c.subMu.Lock()
		if c.jobSub == sub {
			c.jobSub = nil
			c.threadID = ""
		}
		c.subMu.Unlock()
		sub.Close()
	}()
}

func (h *SubscriberHub) dropThreadSub(c *subscriberConn) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.jobSub != nil {
		c.jobSub.Close()
		c.jobSub = nil
		c.threadID = ""
	}
}

// HandleJob serves one job's stream directly: the snapshot first, then live
// events until the stream turns terminal. Blocks until done.
func (h *SubscriberHub) HandleJob(parentCtx context.Context, ws *websocket.Conn, jobID string) {
	c, ok := h.register(parentCtx, ws)
	if !ok {
		_ = ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(c)

	// Watching the stream counts against the completion notification window.
	h.jobs.TouchWatermark(c.ctx, jobID)

	sub, err := h.bus.Subscribe(c.ctx, jobID)
	if err != nil {
		h.logger.Warn("Failed to subscribe to job stream", "job_id", jobID, "error", err)
		return
	}
	defer sub.Close()

	h.sendJSON(c, map[string]any{"type": events.KindState, "state": sub.Snapshot})

	// A late joiner inside the clear grace gets the terminal snapshot and
	// nothing more; close instead of waiting for events that never come.
	if sub.Snapshot != nil && sub.Snapshot.Terminal() {
		return
	}
	if sub.Snapshot == nil {
		if job, err := h.jobs.GetByID(c.ctx, jobID); err == nil && job.IsTerminal() {
			return
		}
	}

	// Drain reads so client close is noticed while we only write.
	go func() {
		for {
			if _, _, err := c.ws.Read(c.ctx); err != nil {
				c.cancel()
				return
			}
		}
	}()

	for frame := range sub.Events {
		if err := h.sendRaw(c, frame); err != nil {
			return
		}
	}
}

func (h *SubscriberHub) sendJSON(c *subscriberConn, v any) {
	if err := h.sendJSONErr(c, v); err != nil {
		h.logger.Warn("Failed to send to subscriber", "connection_id", c.id, "error", err)
	}
}

func (h *SubscriberHub) sendJSONErr(c *subscriberConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.sendRaw(c, data)
}

// sendRaw sends bytes with the write timeout. Sends are serialized: the
// read loop and the forwarding goroutines all write through here.
func (h *SubscriberHub) sendRaw(c *subscriberConn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}
