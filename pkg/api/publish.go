package api

import (
	"context"

	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/models"
)

// publishTerminal mirrors a completion persisted through the REST path onto
// the bus: the done event with the assistant turn id, the status broadcasts,
// and the notification policy. Worker-executed jobs go through the runner's
// equivalent instead.
func (s *Server) publishTerminal(ctx context.Context, job *models.Job) {
	ctx = context.WithoutCancel(ctx)

	done := &events.DoneEvent{}
	if job.AssistantTurnID != nil {
		done.MessageID = *job.AssistantTurnID
	}
	s.publish(ctx, job.ID, done)
	s.broadcast(ctx, job, models.JobStatusCompleted)

	title := ""
	if thread, err := s.threads.Get(ctx, job.ProjectID, job.ThreadID); err == nil {
		title = thread.Title
	}
	if _, err := s.notifications.NotifyCompleted(ctx, job, title, job.PartialResponse); err != nil {
		s.logger.Warn("Failed to create completion notification", "job_id", job.ID, "error", err)
	}

	s.bus.ScheduleClear(job.ID)
}

// publishCancelled announces a cancellation for a job with no live runner on
// this replica.
func (s *Server) publishCancelled(ctx context.Context, job *models.Job) {
	ctx = context.WithoutCancel(ctx)

	s.publish(ctx, job.ID, &events.ErrorEvent{Message: "cancelled by user", Cancelled: true})
	s.broadcast(ctx, job, models.JobStatusCancelled)
	s.bus.ScheduleClear(job.ID)
}

func (s *Server) publish(ctx context.Context, jobID string, ev events.Event) {
	if err := s.bus.Publish(ctx, jobID, ev); err != nil {
		s.logger.Warn("Failed to publish event", "job_id", jobID, "kind", ev.Kind(), "error", err)
	}
}

func (s *Server) broadcast(ctx context.Context, job *models.Job, status string) {
	if err := s.bus.PublishProjectUpdate(ctx, job.ProjectID, job.ThreadID, job.ID, status); err != nil {
		s.logger.Warn("Failed to publish project update", "job_id", job.ID, "error", err)
	}
	if err := s.bus.PublishGlobalUpdate(ctx, job.ProjectID, job.ThreadID, job.ID, status); err != nil {
		s.logger.Warn("Failed to publish global update", "job_id", job.ID, "error", err)
	}
}
