// Package services contains the business logic layer between the HTTP
// handlers, the worker pool, and the database.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/pkg/models"
)

const dbTimeout = 5 * time.Second

// JobService owns the job lifecycle: pending → running → {completed, failed},
// any non-terminal → cancelled.
type JobService struct {
	db *database.Client
}

// NewJobService creates a new JobService.
func NewJobService(db *database.Client) *JobService {
	return &JobService{db: db}
}

// Create persists the user turn and a pending job for it in one transaction.
func (s *JobService) Create(httpCtx context.Context, projectID, threadID string, req models.CreateJobRequest) (*models.Job, error) {
	if req.Question == "" {
		return nil, NewValidationError("question", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	if err := s.verifyThread(ctx, projectID, threadID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	turnID := uuid.New().String()
	jobID := uuid.New().String()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, thread_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		turnID, threadID, models.TurnRoleUser, req.Question, now); err != nil {
		return nil, fmt.Errorf("failed to create user turn: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, thread_id, user_turn_id, status, question,
		                   context_only, poll_watermark, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		jobID, projectID, threadID, turnID, models.JobStatusPending,
		req.Question, req.ContextOnly, now); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job creation: %w", err)
	}

	return &models.Job{
		ID:            jobID,
		ProjectID:     projectID,
		ThreadID:      threadID,
		UserTurnID:    turnID,
		Status:        models.JobStatusPending,
		Question:      req.Question,
		ContextOnly:   req.ContextOnly,
		PollWatermark: now,
		CreatedAt:     now,
	}, nil
}

// Get returns the full job record and advances its poll watermark: a client
// reading the record counts as watching it.
func (s *JobService) Get(httpCtx context.Context, projectID, threadID, jobID string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var job models.Job
	err := s.db.GetContext(ctx, &job,
		`SELECT * FROM jobs WHERE id = $1 AND project_id = $2 AND thread_id = $3`,
		jobID, projectID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	s.touchWatermark(ctx, job.ID)
	return &job, nil
}

// GetByID returns the job record without ownership checks or watermark
// updates. Used by the worker and internal subscribers.
func (s *JobService) GetByID(httpCtx context.Context, jobID string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var job models.Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetActive returns the thread's most recent non-terminal job, or nil when
// every job has finished. Reading it advances the poll watermark.
func (s *JobService) GetActive(httpCtx context.Context, projectID, threadID string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var job models.Job
	err := s.db.GetContext(ctx, &job,
		`SELECT * FROM jobs
		 WHERE project_id = $1 AND thread_id = $2 AND status IN ('pending', 'running')
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}

	s.touchWatermark(ctx, job.ID)
	return &job, nil
}

// ListActive returns every non-terminal job in the project, newest first,
// and advances their watermarks.
func (s *JobService) ListActive(httpCtx context.Context, projectID string) ([]models.ActiveJob, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var jobs []models.ActiveJob
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT id, thread_id, status FROM jobs
		 WHERE project_id = $1 AND status IN ('pending', 'running')
		 ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET poll_watermark = now()
		 WHERE project_id = $1 AND status IN ('pending', 'running')`,
		projectID); err != nil {
		return nil, fmt.Errorf("failed to update poll watermarks: %w", err)
	}

	if jobs == nil {
		jobs = []models.ActiveJob{}
	}
	return jobs, nil
}

// Claim attempts the pending→running transition. The compare-and-swap makes
// the hand-off idempotent: exactly one caller observes claimed=true, every
// later attempt is a no-op.
func (s *JobService) Claim(httpCtx context.Context, jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, started_at = COALESCE(started_at, now())
		 WHERE id = $2 AND status = $3`,
		models.JobStatusRunning, jobID, models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// AppendProgress appends streamed content to the job's partial response and,
// when sources are supplied, replaces the accumulated source set. Only
// non-terminal jobs accept checkpoints.
func (s *JobService) AppendProgress(httpCtx context.Context, projectID, threadID, jobID string, req models.ProgressRequest) error {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET partial_response = partial_response || $1,
		     sources = COALESCE($2, sources)
		 WHERE id = $3 AND project_id = $4 AND thread_id = $5
		   AND status IN ('pending', 'running')`,
		req.Content, nullableJSON(req.Sources), jobID, projectID, threadID)
	if err != nil {
		return fmt.Errorf("failed to checkpoint job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read checkpoint result: %w", err)
	}
	if n == 0 {
		return s.classifyMiss(ctx, projectID, threadID, jobID)
	}
	return nil
}

// Complete writes the assistant turn and the terminal job update in one
// transaction. A job gains at most one assistant turn: completing an
// already-completed job is a no-op returning the existing record, so the
// inline path's server-side completion and the client's follow-up complete
// call can both land. Failed and cancelled jobs reject completion.
func (s *JobService) Complete(httpCtx context.Context, projectID, threadID, jobID string, req models.CompleteJobRequest) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job models.Job
	err = tx.GetContext(ctx, &job,
		`SELECT * FROM jobs
		 WHERE id = $1 AND project_id = $2 AND thread_id = $3 FOR UPDATE`,
		jobID, projectID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	if job.Status == models.JobStatusCompleted {
		return &job, nil
	}
	if job.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	turnID := uuid.New().String()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, thread_id, role, content, sources, tool_calls, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		turnID, threadID, models.TurnRoleAssistant, req.Content,
		nullableJSON(req.Sources), nullableJSON(req.ToolCalls), now); err != nil {
		return nil, fmt.Errorf("failed to create assistant turn: %w", err)
	}

	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	durationMS := now.Sub(started).Milliseconds()

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs
		 SET status = $1, assistant_turn_id = $2, partial_response = $3,
		     sources = $4, input_tokens = $5, output_tokens = $6,
		     duration_ms = $7, completed_at = $8
		 WHERE id = $9`,
		models.JobStatusCompleted, turnID, req.Content,
		nullableJSON(req.Sources), req.InputTokens, req.OutputTokens,
		durationMS, now, jobID); err != nil {
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job completion: %w", err)
	}

	job.Status = models.JobStatusCompleted
	job.AssistantTurnID = &turnID
	job.PartialResponse = req.Content
	job.Sources = req.Sources
	job.InputTokens = req.InputTokens
	job.OutputTokens = req.OutputTokens
	job.DurationMS = durationMS
	job.CompletedAt = &now
	return &job, nil
}

// Fail marks a non-terminal job failed, preserving whatever partial response
// has been checkpointed.
func (s *JobService) Fail(httpCtx context.Context, jobID, message string) (*models.Job, error) {
	return s.finish(httpCtx, jobID, models.JobStatusFailed, &message)
}

// Cancel moves any non-terminal job to cancelled.
func (s *JobService) Cancel(httpCtx context.Context, projectID, threadID, jobID string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var job models.Job
	err := s.db.GetContext(ctx, &job,
		`SELECT * FROM jobs WHERE id = $1 AND project_id = $2 AND thread_id = $3`,
		jobID, projectID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	return s.finish(httpCtx, jobID, models.JobStatusCancelled, nil)
}

// finish performs the guarded non-terminal → terminal update shared by Fail
// and Cancel.
func (s *JobService) finish(httpCtx context.Context, jobID, status string, message *string) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, error = COALESCE($2, error), completed_at = now()
		 WHERE id = $3 AND status IN ('pending', 'running')`,
		status, message, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read finish result: %w", err)
	}
	if n == 0 {
		job, getErr := s.GetByID(httpCtx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: job is already %s", ErrInvalidTransition, job.Status)
	}
	return s.GetByID(httpCtx, jobID)
}

// Release reverts the running→pending claim, keeping checkpoints intact.
// Used when an inline streaming client disconnects mid-run so the job stays
// claimable.
func (s *JobService) Release(httpCtx context.Context, jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1 WHERE id = $2 AND status = $3`,
		models.JobStatusPending, jobID, models.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to release job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read release result: %w", err)
	}
	return n == 1, nil
}

// CountRunning returns the number of running jobs across all replicas.
func (s *JobService) CountRunning(httpCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM jobs WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to count running jobs: %w", err)
	}
	return n, nil
}

// PendingBefore returns pending jobs created before cutoff, oldest first.
// The worker pool uses it to pick up jobs abandoned by inline clients.
func (s *JobService) PendingBefore(httpCtx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var jobs []models.Job
	err := s.db.SelectContext(ctx, &jobs,
		`SELECT * FROM jobs WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at ASC LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobService) verifyThread(ctx context.Context, projectID, threadID string) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (
		   SELECT 1 FROM threads
		   WHERE id = $1 AND project_id = $2 AND deleted_at IS NULL
		 )`,
		threadID, projectID)
	if err != nil {
		return fmt.Errorf("failed to verify thread: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// touchWatermark is best-effort: a failed update only risks one extra
// notification.
func (s *JobService) touchWatermark(ctx context.Context, jobID string) {
	_, _ = s.db.ExecContext(ctx,
		`UPDATE jobs SET poll_watermark = now() WHERE id = $1`, jobID)
}

// TouchWatermark records that a client is watching the job live.
func (s *JobService) TouchWatermark(httpCtx context.Context, jobID string) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()
	s.touchWatermark(ctx, jobID)
}

// classifyMiss distinguishes a missing job from a terminal one after a
// guarded update matched no rows.
func (s *JobService) classifyMiss(ctx context.Context, projectID, threadID, jobID string) error {
	var status string
	err := s.db.GetContext(ctx, &status,
		`SELECT status FROM jobs WHERE id = $1 AND project_id = $2 AND thread_id = $3`,
		jobID, projectID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get job status: %w", err)
	}
	return fmt.Errorf("%w: job is already %s", ErrInvalidTransition, status)
}

// nullableJSON maps empty JSON payloads to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
