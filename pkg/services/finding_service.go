package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/pkg/models"
)

// FindingService stores excerpts saved mid-job via the save_finding tool.
type FindingService struct {
	db *database.Client
}

// NewFindingService creates a new FindingService.
func NewFindingService(db *database.Client) *FindingService {
	return &FindingService{db: db}
}

// Save persists a finding scoped to a project and thread. jobID may be empty
// when a finding is saved outside a job run.
func (s *FindingService) Save(httpCtx context.Context, projectID, threadID, jobID, content string) (*models.Finding, error) {
	if content == "" {
		return nil, NewValidationError("content", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	f := &models.Finding{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		ThreadID:  threadID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if jobID != "" {
		f.JobID = &jobID
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (id, project_id, thread_id, job_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, f.ProjectID, f.ThreadID, f.JobID, f.Content, f.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save finding: %w", err)
	}
	return f, nil
}

// List returns a thread's findings, newest first.
func (s *FindingService) List(httpCtx context.Context, projectID, threadID string) ([]models.Finding, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var out []models.Finding
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM findings WHERE project_id = $1 AND thread_id = $2
		 ORDER BY created_at DESC`,
		projectID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	return out, nil
}
