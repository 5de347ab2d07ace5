package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivityEntry is one item in a job's append-only activity log.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // phase_change, tool_call, tool_result
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Query     string    `json:"query,omitempty"`
	Found     int       `json:"found,omitempty"`
	Success   *bool     `json:"success,omitempty"`
}

// JobState is the durable snapshot of a job's progress. A fresh subscriber
// receives it as the first item of its stream and can reconstruct the
// current UI from it alone.
type JobState struct {
	JobID         string          `json:"job_id"`
	Status        string          `json:"status,omitempty"`
	CurrentPhase  string          `json:"current_phase,omitempty"`
	CurrentAction string          `json:"current_action,omitempty"`
	Content       string          `json:"content"`
	Thinking      string          `json:"thinking"`
	Sources       []Source        `json:"sources,omitempty"`
	Activity      []ActivityEntry `json:"activity,omitempty"`
	Plan          json.RawMessage `json:"plan,omitempty"`
	InputTokens   int             `json:"input_tokens,omitempty"`
	OutputTokens  int             `json:"output_tokens,omitempty"`
	MessageID     string          `json:"message_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
}

// NewJobState returns the empty snapshot for a job.
func NewJobState(jobID string) *JobState {
	return &JobState{JobID: jobID}
}

// Apply folds one event into the snapshot. The publisher calls this before
// writing snapshot and event in a single pipeline, so every published event
// is observable only after its state effects.
func (s *JobState) Apply(ev Event) {
	now := time.Now().UTC()

	switch e := ev.(type) {
	case *StatusEvent:
		s.Status = e.Status
		if e.Status == "running" && s.CurrentPhase == "" {
			s.setPhase(PhaseInitializing, "Starting", now)
			s.StartedAt = &now
		}

	case *PlanEvent:
		s.setPhase(PhasePlanning, e.Acknowledgment, now)
		if raw, err := json.Marshal(e); err == nil {
			s.Plan = raw
		}

	case *ToolCallEvent:
		s.setPhase(PhaseSearching, "Searching "+e.Tool, now)
		s.Activity = append(s.Activity, ActivityEntry{
			ID:        activityID(e.ID),
			Kind:      ActivityToolCall,
			Timestamp: now,
			Tool:      e.Tool,
			Query:     e.Query,
		})

	case *ToolResultEvent:
		s.setPhase(PhaseThinking, "Processing results", now)
		success := e.Success
		s.Activity = append(s.Activity, ActivityEntry{
			ID:        activityID(e.ID),
			Kind:      ActivityToolResult,
			Timestamp: now,
			Tool:      e.Tool,
			Query:     e.Query,
			Found:     e.Found,
			Success:   &success,
		})

	case *ThinkingEvent:
		s.setPhase(PhaseThinking, "Deep thinking", now)
		s.Thinking += e.Content

	case *ChunkEvent:
		if s.CurrentPhase != PhaseResponding {
			s.setPhase(PhaseResponding, "Writing answer", now)
		}
		s.Content += e.Content

	case *SourcesEvent:
		s.Sources = e.Sources

	case *UsageEvent:
		s.InputTokens = e.InputTokens
		s.OutputTokens = e.OutputTokens

	case *DoneEvent:
		s.setPhase(PhaseDone, "Done", now)
		s.Status = "completed"
		s.MessageID = e.MessageID

	case *ErrorEvent:
		s.setPhase(PhaseDone, "Failed", now)
		if e.Cancelled {
			s.Status = "cancelled"
		} else {
			s.Status = "failed"
		}
		s.Error = e.Message
	}
}

// Terminal reports whether the snapshot has reached a terminal phase.
func (s *JobState) Terminal() bool {
	return s.CurrentPhase == PhaseDone
}

// setPhase records a phase transition in the activity log. Repeated calls
// with the same phase only update the action string.
func (s *JobState) setPhase(phase, action string, now time.Time) {
	if action != "" {
		s.CurrentAction = action
	}
	if s.CurrentPhase == phase {
		return
	}
	s.CurrentPhase = phase
	s.Activity = append(s.Activity, ActivityEntry{
		ID:        uuid.NewString(),
		Kind:      ActivityPhaseChange,
		Timestamp: now,
		Phase:     phase,
	})
}

// activityID reuses the tool-call id when present so duplicate deliveries
// can be deduplicated by id.
func activityID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
