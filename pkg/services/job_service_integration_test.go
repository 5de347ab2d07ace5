package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-ai/quarry/pkg/models"
	"github.com/quarry-ai/quarry/pkg/services"
	testdb "github.com/quarry-ai/quarry/test/database"
)

func TestJobLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	client := testdb.NewTestClient(t)
	scope := testdb.SeedScope(t, client)
	jobs := services.NewJobService(client)

	create := func(t *testing.T, question string) *models.Job {
		t.Helper()
		job, err := jobs.Create(ctx, scope.ProjectID, scope.ThreadID,
			models.CreateJobRequest{Question: question})
		require.NoError(t, err)
		return job
	}

	t.Run("create persists user turn and pending job", func(t *testing.T) {
		job := create(t, "What is entropy?")

		assert.Equal(t, models.JobStatusPending, job.Status)
		assert.NotEmpty(t, job.UserTurnID)
		assert.Nil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)

		var role string
		err := client.GetContext(ctx, &role,
			`SELECT role FROM turns WHERE id = $1`, job.UserTurnID)
		require.NoError(t, err)
		assert.Equal(t, models.TurnRoleUser, role)
	})

	t.Run("create rejects unknown thread", func(t *testing.T) {
		_, err := jobs.Create(ctx, scope.ProjectID, "no-such-thread",
			models.CreateJobRequest{Question: "hello"})
		assert.ErrorIs(t, err, services.ErrNotFound)
	})

	t.Run("claim is a one-shot compare-and-swap", func(t *testing.T) {
		job := create(t, "claim me")

		claimed, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, claimed)

		again, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, again, "second claim must lose the race")

		running, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, running.Status)
		require.NotNil(t, running.StartedAt)
	})

	t.Run("release keeps the original started_at on reclaim", func(t *testing.T) {
		job := create(t, "release me")

		claimed, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		first, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)

		released, err := jobs.Release(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, released)

		reclaimed, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, reclaimed)

		second, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, second.StartedAt)
		assert.Equal(t, first.StartedAt.UTC(), second.StartedAt.UTC())
	})

	t.Run("release only applies to running jobs", func(t *testing.T) {
		job := create(t, "still pending")
		released, err := jobs.Release(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, released)
	})

	t.Run("append progress accumulates content and replaces sources", func(t *testing.T) {
		job := create(t, "stream to me")
		_, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)

		require.NoError(t, jobs.AppendProgress(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.ProgressRequest{Content: "Entropy is "}))
		require.NoError(t, jobs.AppendProgress(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.ProgressRequest{
				Content: "a measure of disorder.",
				Sources: []byte(`[{"name":"thermo.pdf"}]`),
			}))

		got, err := jobs.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "Entropy is a measure of disorder.", got.PartialResponse)
		assert.JSONEq(t, `[{"name":"thermo.pdf"}]`, string(got.Sources))
	})

	t.Run("complete writes exactly one assistant turn", func(t *testing.T) {
		job := create(t, "finish me")
		_, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)

		completed, err := jobs.Complete(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.CompleteJobRequest{
				Content:      "The final answer.",
				Sources:      []byte(`[{"name":"ref.pdf"}]`),
				ToolCalls:    []byte(`[{"tool":"search_documents"}]`),
				InputTokens:  120,
				OutputTokens: 48,
			})
		require.NoError(t, err)

		assert.Equal(t, models.JobStatusCompleted, completed.Status)
		require.NotNil(t, completed.AssistantTurnID)
		require.NotNil(t, completed.CompletedAt)
		assert.Equal(t, "The final answer.", completed.PartialResponse)
		assert.Equal(t, 120, completed.InputTokens)
		assert.Equal(t, 48, completed.OutputTokens)
		assert.GreaterOrEqual(t, completed.DurationMS, int64(0))

		var turn models.Turn
		err = client.GetContext(ctx, &turn,
			`SELECT * FROM turns WHERE id = $1`, *completed.AssistantTurnID)
		require.NoError(t, err)
		assert.Equal(t, models.TurnRoleAssistant, turn.Role)
		assert.Equal(t, "The final answer.", turn.Content)

		// A replayed completion is a no-op returning the existing record
		// with the same assistant turn; late checkpoints stay conflicts.
		again, err := jobs.Complete(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.CompleteJobRequest{Content: "again"})
		require.NoError(t, err)
		require.NotNil(t, again.AssistantTurnID)
		assert.Equal(t, *completed.AssistantTurnID, *again.AssistantTurnID)
		assert.Equal(t, "The final answer.", again.PartialResponse)
		err = jobs.AppendProgress(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.ProgressRequest{Content: "late"})
		assert.ErrorIs(t, err, services.ErrInvalidTransition)

		var count int
		err = client.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM turns WHERE thread_id = $1 AND role = 'assistant'`,
			scope.ThreadID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("complete after cancel stays a conflict", func(t *testing.T) {
		job := create(t, "cancel then complete")
		_, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)
		_, err = jobs.Cancel(ctx, scope.ProjectID, scope.ThreadID, job.ID)
		require.NoError(t, err)

		_, err = jobs.Complete(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.CompleteJobRequest{Content: "too late"})
		assert.ErrorIs(t, err, services.ErrInvalidTransition)
	})

	t.Run("fail preserves the checkpointed partial response", func(t *testing.T) {
		job := create(t, "fail me")
		_, err := jobs.Claim(ctx, job.ID)
		require.NoError(t, err)
		require.NoError(t, jobs.AppendProgress(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.ProgressRequest{Content: "partial work"}))

		failed, err := jobs.Fail(ctx, job.ID, "model stream interrupted")
		require.NoError(t, err)

		assert.Equal(t, models.JobStatusFailed, failed.Status)
		require.NotNil(t, failed.Error)
		assert.Equal(t, "model stream interrupted", *failed.Error)
		assert.Equal(t, "partial work", failed.PartialResponse)
		require.NotNil(t, failed.CompletedAt)
		assert.Nil(t, failed.AssistantTurnID)
	})

	t.Run("cancel moves any non-terminal job to cancelled", func(t *testing.T) {
		pending := create(t, "cancel pending")
		cancelled, err := jobs.Cancel(ctx, scope.ProjectID, scope.ThreadID, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

		running := create(t, "cancel running")
		_, err = jobs.Claim(ctx, running.ID)
		require.NoError(t, err)
		cancelled, err = jobs.Cancel(ctx, scope.ProjectID, scope.ThreadID, running.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

		_, err = jobs.Cancel(ctx, scope.ProjectID, scope.ThreadID, cancelled.ID)
		assert.ErrorIs(t, err, services.ErrInvalidTransition)
	})

	t.Run("get active returns the latest non-terminal job and touches the watermark", func(t *testing.T) {
		fresh := testdb.SeedScope(t, client)

		older, err := jobs.Create(ctx, fresh.ProjectID, fresh.ThreadID,
			models.CreateJobRequest{Question: "first"})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		newer, err := jobs.Create(ctx, fresh.ProjectID, fresh.ThreadID,
			models.CreateJobRequest{Question: "second"})
		require.NoError(t, err)

		stale := time.Now().UTC().Add(-time.Hour)
		testdb.SetPollWatermark(t, client, newer.ID, stale)

		active, err := jobs.GetActive(ctx, fresh.ProjectID, fresh.ThreadID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, newer.ID, active.ID)

		var watermark time.Time
		testdb.JobColumn(t, client, newer.ID, "poll_watermark", &watermark)
		assert.True(t, watermark.After(stale), "watermark should advance on read")

		// Finish both; the thread goes idle.
		_, err = jobs.Cancel(ctx, fresh.ProjectID, fresh.ThreadID, older.ID)
		require.NoError(t, err)
		_, err = jobs.Cancel(ctx, fresh.ProjectID, fresh.ThreadID, newer.ID)
		require.NoError(t, err)

		active, err = jobs.GetActive(ctx, fresh.ProjectID, fresh.ThreadID)
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("pending before cutoff returns oldest first", func(t *testing.T) {
		fresh := testdb.SeedScope(t, client)

		first, err := jobs.Create(ctx, fresh.ProjectID, fresh.ThreadID,
			models.CreateJobRequest{Question: "oldest"})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		_, err = jobs.Create(ctx, fresh.ProjectID, fresh.ThreadID,
			models.CreateJobRequest{Question: "newest"})
		require.NoError(t, err)

		found, err := jobs.PendingBefore(ctx, time.Now().UTC().Add(time.Minute), 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(found))
		for _, j := range found {
			if j.ThreadID == fresh.ThreadID {
				ids = append(ids, j.ID)
			}
		}
		require.Len(t, ids, 2)
		assert.Equal(t, first.ID, ids[0])

		// A cutoff in the past excludes everything just created.
		none, err := jobs.PendingBefore(ctx, time.Now().UTC().Add(-time.Minute), 10)
		require.NoError(t, err)
		for _, j := range none {
			assert.NotEqual(t, fresh.ThreadID, j.ThreadID)
		}
	})
}

func TestNotificationPolicyIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	client := testdb.NewTestClient(t)
	scope := testdb.SeedScope(t, client)
	jobs := services.NewJobService(client)
	notifications := services.NewNotificationService(client)

	finish := func(t *testing.T, question string) *models.Job {
		t.Helper()
		job, err := jobs.Create(ctx, scope.ProjectID, scope.ThreadID,
			models.CreateJobRequest{Question: question})
		require.NoError(t, err)
		_, err = jobs.Claim(ctx, job.ID)
		require.NoError(t, err)
		completed, err := jobs.Complete(ctx, scope.ProjectID, scope.ThreadID, job.ID,
			models.CompleteJobRequest{Content: "answer"})
		require.NoError(t, err)
		return completed
	}

	t.Run("completion suppressed while a client watches", func(t *testing.T) {
		job := finish(t, "watched")
		job.PollWatermark = time.Now().UTC()

		n, err := notifications.NotifyCompleted(ctx, job, "Watched thread", "answer")
		require.NoError(t, err)
		assert.Nil(t, n)
	})

	t.Run("completion notifies after the watching window", func(t *testing.T) {
		job := finish(t, "unwatched")
		job.PollWatermark = time.Now().UTC().Add(-time.Minute)

		n, err := notifications.NotifyCompleted(ctx, job, "Quiet thread", "the answer body")
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Equal(t, models.NotificationJobCompleted, n.Kind)
		assert.Equal(t, "Quiet thread", n.Title)
	})

	t.Run("a replayed terminal publish creates no duplicate", func(t *testing.T) {
		job := finish(t, "replayed")
		job.PollWatermark = time.Now().UTC().Add(-time.Minute)

		first, err := notifications.NotifyCompleted(ctx, job, "Replay thread", "answer")
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := notifications.NotifyCompleted(ctx, job, "Replay thread", "answer")
		require.NoError(t, err)
		assert.Nil(t, second)

		var count int
		err = client.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM notifications WHERE job_id = $1`, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("failure notifies regardless of the watermark", func(t *testing.T) {
		job, err := jobs.Create(ctx, scope.ProjectID, scope.ThreadID,
			models.CreateJobRequest{Question: "doomed"})
		require.NoError(t, err)
		failed, err := jobs.Fail(ctx, job.ID, "boom")
		require.NoError(t, err)
		failed.PollWatermark = time.Now().UTC()

		n, err := notifications.NotifyFailed(ctx, failed, "", "boom")
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Equal(t, models.NotificationJobFailed, n.Kind)
		assert.Equal(t, "Untitled thread", n.Title)
	})

	t.Run("list and mark read", func(t *testing.T) {
		all, err := notifications.List(ctx, scope.ProjectID, false)
		require.NoError(t, err)
		require.NotEmpty(t, all)

		require.NoError(t, notifications.MarkRead(ctx, scope.ProjectID, all[0].ID))

		unread, err := notifications.List(ctx, scope.ProjectID, true)
		require.NoError(t, err)
		for _, n := range unread {
			assert.NotEqual(t, all[0].ID, n.ID)
		}

		err = notifications.MarkRead(ctx, scope.ProjectID, "missing")
		assert.ErrorIs(t, err, services.ErrNotFound)
	})
}

func TestThreadContextIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	client := testdb.NewTestClient(t)
	scope := testdb.SeedScope(t, client)
	jobs := services.NewJobService(client)
	threads := services.NewThreadService(client)

	t.Run("build system starts from project instructions", func(t *testing.T) {
		system, err := threads.BuildSystem(ctx, scope.ProjectID, scope.ThreadID)
		require.NoError(t, err)
		assert.Equal(t, "Answer briefly.", system)
	})

	t.Run("sub-thread inherits ancestor context oldest first", func(t *testing.T) {
		parentJob, err := jobs.Create(ctx, scope.ProjectID, scope.ThreadID,
			models.CreateJobRequest{Question: "root question"})
		require.NoError(t, err)

		child := testdb.SeedSubThread(t, client, scope.ProjectID,
			scope.ThreadID, parentJob.UserTurnID, "Root discussion about entropy.")
		grandchild := testdb.SeedSubThread(t, client, scope.ProjectID,
			child, parentJob.UserTurnID, "Follow-up about Maxwell's demon.")

		system, err := threads.BuildSystem(ctx, scope.ProjectID, grandchild)
		require.NoError(t, err)
		assert.Equal(t,
			"Answer briefly.\n\n"+
				"Context from the parent discussion:\nRoot discussion about entropy.\n\n"+
				"Context from the parent discussion:\nFollow-up about Maxwell's demon.",
			system)
	})

	t.Run("list turns returns the thread history oldest first", func(t *testing.T) {
		fresh := testdb.SeedScope(t, client)
		_, err := jobs.Create(ctx, fresh.ProjectID, fresh.ThreadID,
			models.CreateJobRequest{Question: "q1"})
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
		_, err = jobs.Create(ctx, fresh.ProjectID, fresh.ThreadID,
			models.CreateJobRequest{Question: "q2"})
		require.NoError(t, err)

		turns, err := threads.ListTurns(ctx, fresh.ProjectID, fresh.ThreadID)
		require.NoError(t, err)
		require.Len(t, turns, 2)
		assert.Equal(t, "q1", turns[0].Content)
		assert.Equal(t, "q2", turns[1].Content)
	})
}
