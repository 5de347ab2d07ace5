// Package database provides test database clients for integration tests.
package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/test/util"
)

// NewTestClient creates a test database client on an isolated schema with
// migrations applied.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a shared testcontainer.
// Cleanup (schema drop and connection close) is registered automatically.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return database.NewClientFromDB(util.SetupTestDatabase(t))
}

// Scope is a seeded user/project/thread triple for job lifecycle tests.
type Scope struct {
	UserID    string
	ProjectID string
	ThreadID  string
}

// SeedScope inserts a user, a project, and a thread, returning their ids.
func SeedScope(t *testing.T, db *database.Client) Scope {
	t.Helper()
	ctx := context.Background()

	s := Scope{
		UserID:    uuid.NewString(),
		ProjectID: uuid.NewString(),
		ThreadID:  uuid.NewString(),
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)`,
		s.UserID, s.UserID+"@example.com", "Test User")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO projects (id, user_id, name, instructions) VALUES ($1, $2, $3, $4)`,
		s.ProjectID, s.UserID, "Test Project", "Answer briefly.")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, title) VALUES ($1, $2, $3)`,
		s.ThreadID, s.ProjectID, "Test Thread")
	require.NoError(t, err)

	return s
}

// SeedSubThread inserts a thread spawned from a parent turn, carrying a
// context excerpt.
func SeedSubThread(t *testing.T, db *database.Client, projectID, parentThreadID, parentTurnID, contextText string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO threads (id, project_id, title, parent_thread_id, parent_turn_id, context_text)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, projectID, "Sub Thread", parentThreadID, parentTurnID, contextText)
	require.NoError(t, err)
	return id
}

// SetPollWatermark rewrites a job's poll watermark for notification-policy
// tests.
func SetPollWatermark(t *testing.T, db *database.Client, jobID string, at time.Time) {
	t.Helper()

	res, err := db.ExecContext(context.Background(),
		`UPDATE jobs SET poll_watermark = $1 WHERE id = $2`, at, jobID)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

// JobColumn reads one column of a job row into dest.
func JobColumn(t *testing.T, db *database.Client, jobID, column string, dest any) {
	t.Helper()
	err := db.GetContext(context.Background(), dest,
		`SELECT `+column+` FROM jobs WHERE id = $1`, jobID)
	require.NoError(t, err)
}

// SeedResource inserts a resource row with the given status.
func SeedResource(t *testing.T, db *database.Client, projectID, name, resType, status string) string {
	t.Helper()

	id := uuid.NewString()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO resources (id, project_id, name, type, status) VALUES ($1, $2, $3, $4, $5)`,
		id, projectID, name, resType, status)
	require.NoError(t, err)
	return id
}
