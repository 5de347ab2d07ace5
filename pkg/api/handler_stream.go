package api

import (
	"context"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/models"
)

// streamRequest is the body of POST /projects/:project/query/stream. Either
// question (create and run a new job) or job_id (resume a pending job) is
// required.
type streamRequest struct {
	Question    string `json:"question"`
	ThreadID    string `json:"thread_id"`
	JobID       string `json:"job_id,omitempty"`
	ContextOnly bool   `json:"context_only"`
}

// queryStreamHandler runs a job inline and streams its events to the caller
// as server-sent events. The run claims the job exactly like a queue worker,
// so the two paths never execute the same job twice; a client disconnect
// releases the job back to pending with its checkpoints intact.
func (s *Server) queryStreamHandler(c *echo.Context) error {
	projectID := c.Param("project")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	var req streamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ThreadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "thread_id is required")
	}

	reqCtx := c.Request().Context()

	var job *models.Job
	var err error
	if req.JobID != "" {
		job, err = s.jobs.Get(reqCtx, projectID, req.ThreadID, req.JobID)
		if err != nil {
			return mapServiceError(err)
		}
		if job.Status != models.JobStatusPending {
			return echo.NewHTTPError(http.StatusConflict, "job is not pending")
		}
	} else {
		if req.Question == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "question is required")
		}
		if len(req.Question) > maxQuestionLen {
			return echo.NewHTTPError(http.StatusBadRequest, "question exceeds maximum length of 100,000 characters")
		}
		job, err = s.jobs.Create(reqCtx, projectID, req.ThreadID, models.CreateJobRequest{
			Question:    req.Question,
			ContextOnly: req.ContextOnly,
		})
		if err != nil {
			return mapServiceError(err)
		}
	}

	claimed, err := s.jobs.Claim(reqCtx, job.ID)
	if err != nil {
		return mapServiceError(err)
	}
	if !claimed {
		return echo.NewHTTPError(http.StatusConflict, "job was already claimed")
	}
	job.Status = models.JobStatusRunning

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	// Registering with the pool lets DELETE .../jobs/:id interrupt this run.
	runCtx, cancel := context.WithCancel(reqCtx)
	defer cancel()
	s.pool.RegisterJob(job.ID, cancel)
	defer s.pool.UnregisterJob(job.ID)

	w := c.Response()
	onEvent := func(ev events.Event) {
		frame, err := events.Marshal(ev)
		if err != nil {
			s.logger.Warn("Failed to marshal stream event", "job_id", job.ID, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
			cancel()
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	s.runner.ExecuteStreaming(runCtx, job, onEvent)
	return nil
}
