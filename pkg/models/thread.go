package models

import (
	"encoding/json"
	"time"
)

// Turn roles.
const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
)

// MaxThreadAncestors bounds the parent-thread walk when building inherited
// context for a sub-thread.
const MaxThreadAncestors = 3

// Thread is an ordered sequence of turns within a project. A thread may be
// spawned from a parent turn with a short context excerpt, forming a tree.
type Thread struct {
	ID             string     `json:"id" db:"id"`
	ProjectID      string     `json:"project_id" db:"project_id"`
	Title          string     `json:"title" db:"title"`
	ParentThreadID *string    `json:"parent_thread_id,omitempty" db:"parent_thread_id"`
	ParentTurnID   *string    `json:"parent_turn_id,omitempty" db:"parent_turn_id"`
	ContextText    *string    `json:"context_text,omitempty" db:"context_text"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Turn is one persisted message in a thread. Immutable once written.
// Sources and ToolCalls are opaque JSON payloads to the core.
type Turn struct {
	ID        string          `json:"id" db:"id"`
	ThreadID  string          `json:"thread_id" db:"thread_id"`
	Role      string          `json:"role" db:"role"`
	Content   string          `json:"content" db:"content"`
	Sources   json.RawMessage `json:"sources,omitempty" db:"sources"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty" db:"tool_calls"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
