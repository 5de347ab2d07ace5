// Package queue provides the background worker pool that claims pending
// jobs and runs them to a terminal state.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/quarry-ai/quarry/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no claimable jobs were found.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity indicates the global concurrent job limit is reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrShuttingDown indicates the pool no longer accepts submissions.
	ErrShuttingDown = errors.New("shutting down")
)

// JobExecutor runs one claimed job to a terminal state. The executor owns
// the entire run: event mirroring, checkpoints, the terminal write, and
// notifications. The worker only claims, applies the timeout, and registers
// cancellation.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.Job)
}

// PoolHealth reports the worker pool's state.
type PoolHealth struct {
	PodID         string         `json:"pod_id"`
	TotalWorkers  int            `json:"total_workers"`
	ActiveWorkers int            `json:"active_workers"`
	ActiveJobs    int            `json:"active_jobs"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth reports one worker's state.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
