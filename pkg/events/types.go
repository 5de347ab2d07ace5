// Package events provides the per-job event bus: typed agent events, a
// durable state snapshot in Redis, and pub/sub fan-out to any number of
// subscribers.
//
// ════════════════════════════════════════════════════════════════
// Snapshot-then-live delivery
// ════════════════════════════════════════════════════════════════
//
// Every job has two bus primitives:
//
//   job:{id}:state   — JSON snapshot of accumulated state, TTL 1 hour
//   job:{id}:stream  — pub/sub channel carrying the raw event stream
//
// Publish applies the event's state mutations and publishes the wire
// event in ONE Redis pipeline, so a subscriber can never observe an
// event whose snapshot effects are missing. A fresh subscriber first
// SUBSCRIBEs, then reads the snapshot; it receives the snapshot as its
// first item and live events after that. Delivery is at-least-once:
// an event published between SUBSCRIBE and the snapshot read may be
// seen twice. Subscribers tolerate duplicates: activity entries carry
// ids, and the snapshot replaces (not extends) accumulated state.
//
// Two more channels carry terse status updates with no snapshot:
//
//   project:{id}:jobs — {thread_id, job_id, status} for sidebar indicators
//   jobs              — {project_id, thread_id, job_id, status} global
//
// ════════════════════════════════════════════════════════════════
package events

import "time"

// Event kinds, in the order a consumer typically sees them.
const (
	KindState      = "state" // snapshot delivered to a fresh subscriber
	KindStatus     = "status"
	KindPlan       = "plan"
	KindToolCall   = "tool_call"
	KindToolResult = "tool_result"
	KindSources    = "sources"
	KindThinking   = "thinking"
	KindChunk      = "chunk"
	KindUsage      = "usage"
	KindDone       = "done"
	KindError      = "error"
	KindJobUpdate  = "job_update"
)

// Snapshot phases.
const (
	PhaseInitializing = "initializing"
	PhasePlanning     = "planning"
	PhaseSearching    = "searching"
	PhaseThinking     = "thinking"
	PhaseResponding   = "responding"
	PhaseDone         = "done"
)

// Activity entry kinds.
const (
	ActivityPhaseChange = "phase_change"
	ActivityToolCall    = "tool_call"
	ActivityToolResult  = "tool_result"
)

// StateTTL is the lifetime of a job's snapshot key. Refreshed on every
// publish; cleans up jobs whose producer died without clearing.
const StateTTL = 3600 * time.Second

// ClearGrace is how long a terminal job's bus state is retained so that
// late subscribers can still observe the final snapshot.
const ClearGrace = 60 * time.Second

// GlobalJobsChannel carries job status updates across all projects.
const GlobalJobsChannel = "jobs"

// JobChannel returns the pub/sub channel for one job's event stream.
// Format: "job:{job_id}:stream"
func JobChannel(jobID string) string {
	return "job:" + jobID + ":stream"
}

// JobStateKey returns the snapshot key for a job.
// Format: "job:{job_id}:state"
func JobStateKey(jobID string) string {
	return "job:" + jobID + ":state"
}

// JobControlChannel returns the pub/sub channel carrying control messages
// for one job, currently only cancellation.
// Format: "job:{job_id}:control"
func JobControlChannel(jobID string) string {
	return "job:" + jobID + ":control"
}

// ControlCancel is the cancel payload on a job's control channel.
const ControlCancel = "cancel"

// ProjectChannel returns the per-project job-update channel.
// Format: "project:{project_id}:jobs"
func ProjectChannel(projectID string) string {
	return "project:" + projectID + ":jobs"
}

// ClientMessage is the JSON structure for client → server messages on the
// project subscriber socket.
type ClientMessage struct {
	Type     string `json:"type"`                // "subscribe_thread", "unsubscribe_thread", "ping"
	ThreadID string `json:"thread_id,omitempty"` // for subscribe_thread
}
