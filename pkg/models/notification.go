package models

import "time"

// Notification kinds.
const (
	NotificationJobCompleted = "job_completed"
	NotificationJobFailed    = "job_failed"
)

// Notification is a user-visible alert produced by the notification policy
// when a job reaches a terminal state while nobody is watching.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	JobID     string    `json:"job_id" db:"job_id"`
	Kind      string    `json:"kind" db:"kind"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Finding is a short text excerpt saved during a job via the save_finding
// tool, scoped to a project and thread.
type Finding struct {
	ID        string    `json:"id" db:"id"`
	ProjectID string    `json:"project_id" db:"project_id"`
	ThreadID  string    `json:"thread_id" db:"thread_id"`
	JobID     *string   `json:"job_id,omitempty" db:"job_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
