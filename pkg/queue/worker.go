package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/quarry-ai/quarry/pkg/config"
	"github.com/quarry-ai/quarry/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// JobRegistry is the subset of WorkerPool a Worker uses: explicit hand-offs
// in, cancel registration out.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
	Submissions() <-chan string
}

// Submissions exposes the hand-off channel to workers.
func (p *WorkerPool) Submissions() <-chan string {
	return p.submitCh
}

// Worker claims and processes jobs, one at a time.
type Worker struct {
	id       string
	podID    string
	jobs     *services.JobService
	config   *config.QueueConfig
	executor JobExecutor
	pool     JobRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, jobs *services.JobService, cfg *config.QueueConfig, executor JobExecutor, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		jobs:         jobs,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// job. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker state.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run services explicit hand-offs first and falls back to polling for jobs
// abandoned by inline clients.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		case jobID := <-w.pool.Submissions():
			if err := w.claimAndProcess(ctx, jobID); err != nil &&
				!errors.Is(err, ErrNoJobsAvailable) && !errors.Is(err, ErrAtCapacity) {
				log.Error("Error processing submitted job", "job_id", jobID, "error", err)
			}
		case <-time.After(w.pollInterval()):
			if err := w.pollAndProcess(ctx); err != nil &&
				!errors.Is(err, ErrNoJobsAvailable) && !errors.Is(err, ErrAtCapacity) {
				log.Error("Error processing job", "error", err)
			}
		}
	}
}

// pollAndProcess picks up a pending job that outlived the inline pickup
// grace.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	cutoff := time.Now().Add(-w.config.PickupGrace)
	pending, err := w.jobs.PendingBefore(ctx, cutoff, 1)
	if err != nil {
		return fmt.Errorf("failed to poll pending jobs: %w", err)
	}
	if len(pending) == 0 {
		return ErrNoJobsAvailable
	}
	return w.claimAndProcess(ctx, pending[0].ID)
}

// claimAndProcess runs the idempotent claim and, on success, executes the
// job. A lost claim race is not an error.
func (w *Worker) claimAndProcess(ctx context.Context, jobID string) error {
	running, err := w.jobs.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to check capacity: %w", err)
	}
	// Best-effort: racy across workers, but bounded by WorkerCount and
	// spread out by poll jitter.
	if running >= w.config.MaxConcurrentJobs {
		return ErrAtCapacity
	}

	claimed, err := w.jobs.Claim(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if !claimed {
		return ErrNoJobsAvailable
	}

	job, err := w.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load claimed job: %w", err)
	}

	log := slog.With("job_id", job.ID, "worker_id", w.id)
	log.Info("Job claimed")

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	w.pool.RegisterJob(job.ID, cancelJob)
	defer w.pool.UnregisterJob(job.ID)

	w.executor.Execute(jobCtx, job)

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete")
	return nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
