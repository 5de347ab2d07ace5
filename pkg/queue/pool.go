package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quarry-ai/quarry/pkg/config"
	"github.com/quarry-ai/quarry/pkg/services"
)

// WorkerPool manages the queue workers, the explicit hand-off channel, and
// the cancel registry for running jobs.
type WorkerPool struct {
	podID    string
	jobs     *services.JobService
	config   *config.QueueConfig
	executor JobExecutor
	workers  []*Worker
	submitCh chan string
	stopCh   chan struct{}
	stopOnce sync.Once

	// Job cancel registry: job_id → cancel function
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool
	stopped    bool
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, jobs *services.JobService, cfg *config.QueueConfig, executor JobExecutor) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		jobs:       jobs,
		config:     cfg,
		executor:   executor,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		submitCh:   make(chan string, cfg.SubmitBuffer),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call more than once; later
// calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)
	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.jobs, p.config, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
}

// Stop signals all workers to stop and waits for them. Workers finish their
// current job before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	p.mu.Lock()
	p.stopped = true
	active := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		active = append(active, id)
	}
	p.mu.Unlock()

	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete", "count", len(active), "job_ids", active)
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, worker := range p.workers {
		worker.Stop()
	}

	slog.Info("Worker pool stopped gracefully")
}

// Submit hands a pending job to the pool without waiting for the poll cycle.
// The claim itself stays with the worker, so a duplicate submission is
// harmless.
func (p *WorkerPool) Submit(jobID string) error {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return ErrShuttingDown
	}

	select {
	case p.submitCh <- jobID:
		return nil
	default:
		// Full buffer is not an error: polling will pick the job up.
		slog.Warn("Submit buffer full, job left for polling", "job_id", jobID)
		return nil
	}
}

// RegisterJob stores a cancel function for API-triggered cancellation.
func (p *WorkerPool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob triggers context cancellation for a job running on this pod.
// Returns true when the job was found here.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the pool's current state.
func (p *WorkerPool) Health() *PoolHealth {
	p.mu.RLock()
	activeJobs := len(p.activeJobs)
	p.mu.RUnlock()

	stats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats[i] = worker.Health()
		if stats[i].Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	return &PoolHealth{
		PodID:         p.podID,
		TotalWorkers:  len(p.workers),
		ActiveWorkers: activeWorkers,
		ActiveJobs:    activeJobs,
		WorkerStats:   stats,
	}
}
