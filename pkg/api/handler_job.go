package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/quarry-ai/quarry/pkg/models"
)

const maxQuestionLen = 100_000

// createJobHandler handles POST /projects/:project/threads/:thread/jobs.
// It persists the user turn and a pending job; with start_immediately the
// job is handed to the worker pool in the same request.
func (s *Server) createJobHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}

	var req models.CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	if len(req.Question) > maxQuestionLen {
		return echo.NewHTTPError(http.StatusBadRequest, "question exceeds maximum length of 100,000 characters")
	}

	job, err := s.jobs.Create(c.Request().Context(), projectID, threadID, req)
	if err != nil {
		return mapServiceError(err)
	}

	if req.StartImmediately {
		if err := s.pool.Submit(job.ID); err != nil {
			return mapServiceError(err)
		}
	}

	return c.JSON(http.StatusCreated, job)
}

// getJobHandler handles GET /projects/:project/threads/:thread/jobs/:id.
// Reading the record counts as watching the job.
func (s *Server) getJobHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}

	job, err := s.jobs.Get(c.Request().Context(), projectID, threadID, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// getActiveJobHandler handles GET .../jobs/active: the latest non-terminal
// job, or null when the thread is idle.
func (s *Server) getActiveJobHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}

	job, err := s.jobs.GetActive(c.Request().Context(), projectID, threadID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// startJobHandler handles POST .../jobs/:id/start: idempotent hand-off to
// the worker pool. Starting an already-running job is a no-op; starting a
// terminal job is a conflict.
func (s *Server) startJobHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}
	jobID := c.Param("id")

	job, err := s.jobs.Get(c.Request().Context(), projectID, threadID, jobID)
	if err != nil {
		return mapServiceError(err)
	}
	if job.IsTerminal() {
		return echo.NewHTTPError(http.StatusConflict, "job has already finished")
	}

	if job.Status == models.JobStatusPending {
		if err := s.pool.Submit(jobID); err != nil {
			return mapServiceError(err)
		}
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": job.Status,
	})
}

// progressHandler handles PATCH .../jobs/:id/progress: a durable checkpoint
// from an inline streaming client.
func (s *Server) progressHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}

	var req models.ProgressRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.jobs.AppendProgress(c.Request().Context(), projectID, threadID, c.Param("id"), req); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// completeJobHandler handles POST .../jobs/:id/complete: the atomic terminal
// write issued by an inline client once its run finishes.
func (s *Server) completeJobHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}
	jobID := c.Param("id")

	var req models.CompleteJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	job, err := s.jobs.Complete(c.Request().Context(), projectID, threadID, jobID, req)
	if err != nil {
		return mapServiceError(err)
	}

	s.publishTerminal(c.Request().Context(), job)
	return c.JSON(http.StatusOK, job)
}

// cancelJobHandler handles DELETE .../jobs/:id: any non-terminal job moves
// to cancelled, and the run in flight is interrupted wherever it lives: a
// local run through the pool's cancel registry, a run on another replica
// through a bus control message its runner watches.
func (s *Server) cancelJobHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}
	jobID := c.Param("id")
	ctx := c.Request().Context()

	prior, err := s.jobs.Get(ctx, projectID, threadID, jobID)
	if err != nil {
		return mapServiceError(err)
	}
	wasRunning := prior.Status == models.JobStatusRunning

	job, err := s.jobs.Cancel(ctx, projectID, threadID, jobID)
	if err != nil {
		return mapServiceError(err)
	}

	// A live runner, local or remote, observes its cancellation and
	// publishes the terminal events itself. Only an idle pending job needs
	// them published here.
	if !s.pool.CancelJob(jobID) {
		if wasRunning {
			if err := s.bus.PublishCancel(ctx, jobID); err != nil {
				s.logger.Warn("Failed to publish cancel control message",
					"job_id", jobID, "error", err)
				s.publishCancelled(ctx, job)
			}
		} else {
			s.publishCancelled(ctx, job)
		}
	}

	return c.JSON(http.StatusOK, models.CancelResponse{
		JobID:   jobID,
		Status:  job.Status,
		Message: "job cancelled",
	})
}

// listActiveJobsHandler handles GET /projects/:project/jobs/active.
func (s *Server) listActiveJobsHandler(c *echo.Context) error {
	projectID := c.Param("project")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}

	jobs, err := s.jobs.ListActive(c.Request().Context(), projectID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"active_jobs": jobs})
}

// listTurnsHandler handles GET /projects/:project/threads/:thread/turns.
func (s *Server) listTurnsHandler(c *echo.Context) error {
	projectID, threadID, err := scopeParams(c)
	if err != nil {
		return err
	}

	turns, err := s.threads.ListTurns(c.Request().Context(), projectID, threadID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"turns": turns})
}

func scopeParams(c *echo.Context) (projectID, threadID string, err error) {
	projectID = c.Param("project")
	threadID = c.Param("thread")
	if projectID == "" || threadID == "" {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, "project and thread ids are required")
	}
	return projectID, threadID, nil
}
