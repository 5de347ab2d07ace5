package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/pkg/models"
)

const (
	// suppressWindow is how recently a client must have polled a job for
	// its completion notification to be suppressed.
	suppressWindow = 10 * time.Second

	// notificationBodyLimit caps the excerpt stored in the body.
	notificationBodyLimit = 200
)

// NotificationService decides whether a terminal job produces a user-visible
// notification, and stores the ones that do.
type NotificationService struct {
	db     *database.Client
	logger *slog.Logger
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(db *database.Client) *NotificationService {
	return &NotificationService{
		db:     db,
		logger: slog.With("component", "notifications"),
	}
}

// NotifyCompleted records a job_completed notification unless a client was
// recently watching the job. Returns the notification, or nil when
// suppressed.
func (s *NotificationService) NotifyCompleted(httpCtx context.Context, job *models.Job, threadTitle, content string) (*models.Notification, error) {
	if completionSuppressed(job.PollWatermark, time.Now()) {
		s.logger.Debug("Completion notification suppressed",
			"job_id", job.ID, "poll_watermark", job.PollWatermark)
		return nil, nil
	}
	return s.create(httpCtx, job, models.NotificationJobCompleted,
		notificationTitle(threadTitle), excerpt(content))
}

// NotifyFailed records a job_failed notification. Failures always notify.
func (s *NotificationService) NotifyFailed(httpCtx context.Context, job *models.Job, threadTitle, message string) (*models.Notification, error) {
	return s.create(httpCtx, job, models.NotificationJobFailed,
		notificationTitle(threadTitle), excerpt(message))
}

// List returns the project's notifications, newest first.
func (s *NotificationService) List(httpCtx context.Context, projectID string, unreadOnly bool) ([]models.Notification, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	query := `SELECT * FROM notifications WHERE project_id = $1`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	var out []models.Notification
	if err := s.db.SelectContext(ctx, &out, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	if out == nil {
		out = []models.Notification{}
	}
	return out, nil
}

// MarkRead marks a notification read.
func (s *NotificationService) MarkRead(httpCtx context.Context, projectID, notificationID string) error {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND project_id = $2`,
		notificationID, projectID)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read mark result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// create inserts the notification unless one already exists for the same
// job and kind. A job produces at most one notification per kind even when
// a terminal publish is replayed.
func (s *NotificationService) create(httpCtx context.Context, job *models.Job, kind, title, body string) (*models.Notification, error) {
	ctx, cancel := context.WithTimeout(httpCtx, dbTimeout)
	defer cancel()

	n := &models.Notification{
		ID:        uuid.New().String(),
		ProjectID: job.ProjectID,
		ThreadID:  job.ThreadID,
		JobID:     job.ID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, project_id, thread_id, job_id, kind, title, body, created_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8
		 WHERE NOT EXISTS (
		   SELECT 1 FROM notifications WHERE job_id = $4 AND kind = $5
		 )`,
		n.ID, n.ProjectID, n.ThreadID, n.JobID, n.Kind, n.Title, n.Body, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read notification insert result: %w", err)
	}
	if inserted == 0 {
		s.logger.Debug("Notification already exists", "job_id", job.ID, "kind", kind)
		return nil, nil
	}
	return n, nil
}

// completionSuppressed reports whether a completion falls inside the
// watching window. A watermark in the future counts as watching.
func completionSuppressed(watermark, now time.Time) bool {
	return now.Sub(watermark) < suppressWindow
}

func notificationTitle(threadTitle string) string {
	if threadTitle == "" {
		return "Untitled thread"
	}
	return threadTitle
}

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= notificationBodyLimit {
		return content
	}
	return string(runes[:notificationBodyLimit])
}
