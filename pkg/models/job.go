package models

import (
	"encoding/json"
	"time"
)

// Job status values. Transitions form a DAG:
// pending → running → {completed, failed}; any non-terminal → cancelled.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// TerminalJobStatuses are the statuses a job can never leave.
var TerminalJobStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// IsTerminalJobStatus reports whether status is completed, failed, or cancelled.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is the execution record for one user turn.
type Job struct {
	ID              string          `json:"id" db:"id"`
	ProjectID       string          `json:"project_id" db:"project_id"`
	ThreadID        string          `json:"thread_id" db:"thread_id"`
	UserTurnID      string          `json:"user_turn_id" db:"user_turn_id"`
	Status          string          `json:"status" db:"status"`
	Question        string          `json:"question" db:"question"`
	ContextOnly     bool            `json:"context_only" db:"context_only"`
	PartialResponse string          `json:"partial_response" db:"partial_response"`
	Sources         json.RawMessage `json:"sources,omitempty" db:"sources"`
	Error           *string         `json:"error,omitempty" db:"error"`
	AssistantTurnID *string         `json:"assistant_turn_id,omitempty" db:"assistant_turn_id"`
	PollWatermark   time.Time       `json:"poll_watermark" db:"poll_watermark"`
	StartedAt       *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	InputTokens     int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens    int             `json:"output_tokens" db:"output_tokens"`
	DurationMS      int64           `json:"duration_ms" db:"duration_ms"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}

// CreateJobRequest is the body of POST /projects/:project/threads/:thread/jobs.
type CreateJobRequest struct {
	Question         string `json:"question"`
	ContextOnly      bool   `json:"context_only"`
	StartImmediately bool   `json:"start_immediately"`
}

// ProgressRequest is the body of PATCH .../jobs/:id/progress. Content is
// appended to the job's partial response; sources replace prior sources.
type ProgressRequest struct {
	Content string          `json:"content"`
	Sources json.RawMessage `json:"sources,omitempty"`
}

// CompleteJobRequest is the terminal write issued by the inline streaming
// client once its agent run finishes.
type CompleteJobRequest struct {
	Content      string          `json:"content"`
	Sources      json.RawMessage `json:"sources,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
}

// ActiveJob is the sidebar projection of a non-terminal job.
type ActiveJob struct {
	JobID    string `json:"job_id" db:"id"`
	ThreadID string `json:"thread_id" db:"thread_id"`
	Status   string `json:"status" db:"status"`
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
