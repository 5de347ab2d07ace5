package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/pkg/models"
)

// historyLimit bounds the number of persisted turns handed to the model.
const historyLimit = 40

// ThreadService reads threads, their turn history, and the inherited
// sub-thread context used to build system prompts.
type ThreadService struct {
	db *database.Client
}

// NewThreadService creates a new ThreadService.
func NewThreadService(db *database.Client) *ThreadService {
	return &ThreadService{db: db}
}

// Get returns a live thread scoped to the project.
func (s *ThreadService) Get(httpCtx context.Context, projectID, threadID string) (*models.Thread, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var thread models.Thread
	err := s.db.GetContext(ctx, &thread,
		`SELECT * FROM threads
		 WHERE id = $1 AND project_id = $2 AND deleted_at IS NULL`,
		threadID, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &thread, nil
}

// GetProject returns the project record.
func (s *ThreadService) GetProject(httpCtx context.Context, projectID string) (*models.Project, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var project models.Project
	err := s.db.GetContext(ctx, &project,
		`SELECT * FROM projects WHERE id = $1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &project, nil
}

// History returns the thread's most recent turns in chronological order.
func (s *ThreadService) History(httpCtx context.Context, threadID string) ([]models.Turn, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var turns []models.Turn
	err := s.db.SelectContext(ctx, &turns,
		`SELECT * FROM (
		   SELECT * FROM turns WHERE thread_id = $1
		   ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`,
		threadID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load turn history: %w", err)
	}
	return turns, nil
}

// ListTurns returns the thread's full turn history for the API, oldest first.
func (s *ThreadService) ListTurns(httpCtx context.Context, projectID, threadID string) ([]models.Turn, error) {
	if _, err := s.Get(httpCtx, projectID, threadID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	var turns []models.Turn
	err := s.db.SelectContext(ctx, &turns,
		`SELECT * FROM turns WHERE thread_id = $1 ORDER BY created_at ASC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	return turns, nil
}

// BuildSystem assembles the system prompt for a thread: project instructions
// first, then inherited context from up to MaxThreadAncestors parent threads,
// nearest ancestor last so the most relevant context sits closest to the
// conversation.
func (s *ThreadService) BuildSystem(httpCtx context.Context, projectID, threadID string) (string, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}

	thread, err := s.Get(ctx, projectID, threadID)
	if err != nil {
		return "", err
	}

	var inherited []string
	current := thread
	for depth := 0; depth < models.MaxThreadAncestors && current.ParentThreadID != nil; depth++ {
		if current.ContextText != nil && *current.ContextText != "" {
			inherited = append(inherited, *current.ContextText)
		}
		parent, err := s.Get(ctx, projectID, *current.ParentThreadID)
		if errors.Is(err, ErrNotFound) {
			break // parent soft-deleted; inherited context ends here
		}
		if err != nil {
			return "", err
		}
		current = parent
	}

	var b strings.Builder
	if project.Instructions != "" {
		b.WriteString(project.Instructions)
	}
	// Reverse so the oldest ancestor's context comes first.
	for i := len(inherited) - 1; i >= 0; i-- {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Context from the parent discussion:\n")
		b.WriteString(inherited[i])
	}
	return b.String(), nil
}
