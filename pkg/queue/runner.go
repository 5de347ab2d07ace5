package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-ai/quarry/pkg/agent"
	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/models"
	"github.com/quarry-ai/quarry/pkg/services"
	"github.com/quarry-ai/quarry/pkg/tools"
)

// The store interfaces are satisfied by the services layer; they keep the
// runner testable without a database.

// JobStore is the job lifecycle surface the runner writes through.
type JobStore interface {
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	AppendProgress(ctx context.Context, projectID, threadID, jobID string, req models.ProgressRequest) error
	Complete(ctx context.Context, projectID, threadID, jobID string, req models.CompleteJobRequest) (*models.Job, error)
	Fail(ctx context.Context, jobID, message string) (*models.Job, error)
	Cancel(ctx context.Context, projectID, threadID, jobID string) (*models.Job, error)
	Release(ctx context.Context, jobID string) (bool, error)
}

// ThreadStore supplies conversation context for a run.
type ThreadStore interface {
	Get(ctx context.Context, projectID, threadID string) (*models.Thread, error)
	History(ctx context.Context, threadID string) ([]models.Turn, error)
	BuildSystem(ctx context.Context, projectID, threadID string) (string, error)
}

// ResourceStore supplies the resource projection tools operate against.
type ResourceStore interface {
	List(ctx context.Context, projectID string) ([]models.Resource, error)
}

// FindingStore persists excerpts saved via the save_finding tool.
type FindingStore interface {
	Save(ctx context.Context, projectID, threadID, jobID, content string) (*models.Finding, error)
}

// Notifier applies the notification policy on terminal jobs.
type Notifier interface {
	NotifyCompleted(ctx context.Context, job *models.Job, threadTitle, content string) (*models.Notification, error)
	NotifyFailed(ctx context.Context, job *models.Job, threadTitle, message string) (*models.Notification, error)
}

// Bus is the event bus surface the runner publishes through. WatchCancel
// lets a cancel issued on any replica abort this run's model stream.
type Bus interface {
	Publish(ctx context.Context, jobID string, ev events.Event) error
	PublishProjectUpdate(ctx context.Context, projectID, threadID, jobID, status string) error
	PublishGlobalUpdate(ctx context.Context, projectID, threadID, jobID, status string) error
	State(ctx context.Context, jobID string) (*events.JobState, error)
	WatchCancel(ctx context.Context, jobID string) (<-chan struct{}, error)
	ScheduleClear(jobID string)
}

// Capabilities carries the optional tool backends. A nil field simply
// removes the corresponding tools from the model's view.
type Capabilities struct {
	Retriever tools.Retriever
	WebSearch tools.WebSearcher
	Vision    tools.VisionClient
}

// Runner executes one claimed job end to end: agent loop, bus mirroring,
// durable checkpoints, the terminal write, and notifications.
type Runner struct {
	jobs      JobStore
	threads   ThreadStore
	resources ResourceStore
	findings  FindingStore
	notifier  Notifier
	bus       Bus
	loop      *agent.Loop
	caps      Capabilities
	logger    *slog.Logger
}

var _ JobExecutor = (*Runner)(nil)

// NewRunner creates a Runner.
func NewRunner(jobs JobStore, threads ThreadStore, resources ResourceStore, findings FindingStore, notifier Notifier, bus Bus, loop *agent.Loop, caps Capabilities) *Runner {
	return &Runner{
		jobs:      jobs,
		threads:   threads,
		resources: resources,
		findings:  findings,
		notifier:  notifier,
		bus:       bus,
		loop:      loop,
		caps:      caps,
		logger:    slog.With("component", "job_runner"),
	}
}

// Execute runs a claimed job to a terminal state.
func (r *Runner) Execute(ctx context.Context, job *models.Job) {
	r.run(ctx, job, nil, false)
}

// ExecuteStreaming runs a claimed job and additionally delivers every event
// to onEvent, for the inline SSE path. Bus mirroring and checkpoints behave
// exactly as in the worker path, but a client disconnect releases the job
// back to pending instead of cancelling it.
func (r *Runner) ExecuteStreaming(ctx context.Context, job *models.Job, onEvent func(events.Event)) {
	r.run(ctx, job, onEvent, true)
}

func (r *Runner) run(ctx context.Context, job *models.Job, onEvent func(events.Event), inline bool) {
	log := r.logger.With("job_id", job.ID, "thread_id", job.ThreadID)

	// Terminal publishes must survive job-context cancellation.
	pubCtx := context.WithoutCancel(ctx)

	// A DELETE on another replica publishes a cancel control message; the
	// watch turns it into a context cancellation so the model stream aborts
	// mid-call instead of running to completion.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if cancelCh, err := r.bus.WatchCancel(runCtx, job.ID); err != nil {
		log.Warn("Failed to watch for cancellation", "error", err)
	} else {
		go func() {
			select {
			case <-cancelCh:
				log.Info("Cancel requested, aborting run")
				stop()
			case <-runCtx.Done():
			}
		}()
	}
	ctx = runCtx

	r.publish(pubCtx, job.ID, &events.StatusEvent{Status: models.JobStatusRunning})
	r.broadcast(pubCtx, job, models.JobStatusRunning)

	in, err := r.buildInput(ctx, job)
	if err != nil {
		log.Error("Failed to prepare job input", "error", err)
		r.publish(pubCtx, job.ID, &events.ErrorEvent{Message: err.Error()})
		r.finishFailed(pubCtx, job, err.Error())
		return
	}

	cp := newCheckpointer(func(content string, sources json.RawMessage) error {
		err := r.jobs.AppendProgress(pubCtx, job.ProjectID, job.ThreadID, job.ID,
			models.ProgressRequest{Content: content, Sources: sources})
		if err != nil && !errors.Is(err, services.ErrInvalidTransition) {
			log.Warn("Checkpoint failed", "error", err)
		}
		return err
	})

	// The loop's done event is held back: it gains the assistant turn id
	// only after the terminal write, and the bus must carry exactly one.
	emit := func(ev events.Event) {
		if _, isDone := ev.(*events.DoneEvent); isDone {
			return
		}
		r.publish(pubCtx, job.ID, ev)
		cp.Observe(ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}

	outcome := r.loop.Run(ctx, in, emit)

	switch {
	case outcome.Cancelled:
		cp.Flush()
		if inline {
			// An explicit DELETE already moved the job to cancelled; a bare
			// context cancellation here means the client went away, and the
			// job stays claimable with its checkpoints.
			if released, err := r.jobs.Release(pubCtx, job.ID); err == nil && released {
				log.Info("Inline client disconnected, job released to pending")
				r.broadcast(pubCtx, job, models.JobStatusPending)
				return
			}
		}
		r.finishCancelled(pubCtx, job)
	case outcome.Err != nil:
		cp.Flush()
		r.finishFailed(pubCtx, job, outcome.Err.Error())
	default:
		r.finishCompleted(pubCtx, job, outcome, onEvent)
	}
}

// buildInput assembles everything one turn needs: system prompt with
// inherited sub-thread context, prior history, and the capability-scoped
// tool invocation. The three loads are independent and run concurrently.
func (r *Runner) buildInput(ctx context.Context, job *models.Job) (*agent.Input, error) {
	var (
		system    string
		history   []models.Turn
		resources []models.Resource
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		system, err = r.threads.BuildSystem(gctx, job.ProjectID, job.ThreadID)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = r.threads.History(gctx, job.ThreadID)
		return err
	})
	g.Go(func() error {
		var err error
		resources, err = r.resources.List(gctx, job.ProjectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// The job's own user turn is already persisted; the loop re-adds the
	// question itself.
	trimmed := history[:0]
	for _, t := range history {
		if t.ID == job.UserTurnID {
			continue
		}
		trimmed = append(trimmed, t)
	}

	inv := &tools.Invocation{
		ProjectID:  job.ProjectID,
		ThreadID:   job.ThreadID,
		JobID:      job.ID,
		Resources:  resources,
		Namespaces: services.Namespaces(resources),
		Retriever:  r.caps.Retriever,
		WebSearch:  r.caps.WebSearch,
		Vision:     r.caps.Vision,
		SaveFinding: func(ctx context.Context, content string) (*models.Finding, error) {
			return r.findings.Save(ctx, job.ProjectID, job.ThreadID, job.ID, content)
		},
	}

	return &agent.Input{
		Question:    job.Question,
		History:     trimmed,
		System:      system,
		ContextOnly: job.ContextOnly,
		// A re-claimed job carries the answer prefix checkpointed by its
		// previous run; the loop continues from it instead of starting over.
		Resume:     job.PartialResponse,
		Invocation: inv,
	}, nil
}

func (r *Runner) finishCompleted(ctx context.Context, job *models.Job, outcome *agent.Outcome, onEvent func(events.Event)) {
	log := r.logger.With("job_id", job.ID)

	var sources json.RawMessage
	if len(outcome.Sources) > 0 {
		sources, _ = json.Marshal(outcome.Sources)
	}

	completed, err := r.jobs.Complete(ctx, job.ProjectID, job.ThreadID, job.ID, models.CompleteJobRequest{
		Content:      outcome.Content,
		Sources:      sources,
		ToolCalls:    r.toolActivity(ctx, job.ID),
		InputTokens:  outcome.Usage.InputTokens,
		OutputTokens: outcome.Usage.OutputTokens,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			// Cancelled under us after the loop finished; nothing to write.
			r.finishCancelled(ctx, job)
			return
		}
		log.Error("Failed to complete job", "error", err)
		r.publish(ctx, job.ID, &events.ErrorEvent{Message: "failed to persist result"})
		r.finishFailed(ctx, job, err.Error())
		return
	}

	done := &events.DoneEvent{}
	if completed.AssistantTurnID != nil {
		done.MessageID = *completed.AssistantTurnID
	}
	r.publish(ctx, job.ID, done)
	if onEvent != nil {
		onEvent(done)
	}
	r.broadcast(ctx, completed, models.JobStatusCompleted)

	if title := r.threadTitle(ctx, job); r.notifier != nil {
		if _, err := r.notifier.NotifyCompleted(ctx, completed, title, outcome.Content); err != nil {
			log.Warn("Failed to create completion notification", "error", err)
		}
	}

	r.bus.ScheduleClear(job.ID)
	log.Info("Job completed",
		"input_tokens", completed.InputTokens,
		"output_tokens", completed.OutputTokens,
		"duration_ms", completed.DurationMS)
}

func (r *Runner) finishFailed(ctx context.Context, job *models.Job, message string) {
	log := r.logger.With("job_id", job.ID)

	failed, err := r.jobs.Fail(ctx, job.ID, message)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			r.finishCancelled(ctx, job)
			return
		}
		log.Error("Failed to mark job failed", "error", err)
		failed = job
	}

	r.broadcast(ctx, failed, models.JobStatusFailed)

	// Failures always notify, regardless of the poll watermark.
	if r.notifier != nil {
		if _, err := r.notifier.NotifyFailed(ctx, failed, r.threadTitle(ctx, job), message); err != nil {
			log.Warn("Failed to create failure notification", "error", err)
		}
	}

	r.bus.ScheduleClear(job.ID)
	log.Info("Job failed", "error", message)
}

func (r *Runner) finishCancelled(ctx context.Context, job *models.Job) {
	log := r.logger.With("job_id", job.ID)

	if _, err := r.jobs.Cancel(ctx, job.ProjectID, job.ThreadID, job.ID); err != nil &&
		!errors.Is(err, services.ErrInvalidTransition) {
		log.Error("Failed to mark job cancelled", "error", err)
	}

	r.broadcast(ctx, job, models.JobStatusCancelled)
	r.bus.ScheduleClear(job.ID)
	log.Info("Job cancelled")
}

// toolActivity serializes the job's tool calls and results from the bus
// snapshot for the assistant turn's record.
func (r *Runner) toolActivity(ctx context.Context, jobID string) json.RawMessage {
	state, err := r.bus.State(ctx, jobID)
	if err != nil || state == nil {
		return nil
	}
	var calls []events.ActivityEntry
	for _, entry := range state.Activity {
		if entry.Kind == events.ActivityToolCall || entry.Kind == events.ActivityToolResult {
			calls = append(calls, entry)
		}
	}
	if len(calls) == 0 {
		return nil
	}
	raw, err := json.Marshal(calls)
	if err != nil {
		return nil
	}
	return raw
}

func (r *Runner) threadTitle(ctx context.Context, job *models.Job) string {
	thread, err := r.threads.Get(ctx, job.ProjectID, job.ThreadID)
	if err != nil {
		return ""
	}
	return thread.Title
}

// publish mirrors an event to the bus; failures are logged, never fatal.
func (r *Runner) publish(ctx context.Context, jobID string, ev events.Event) {
	if err := r.bus.Publish(ctx, jobID, ev); err != nil {
		r.logger.Warn("Failed to publish event", "job_id", jobID, "kind", ev.Kind(), "error", err)
	}
}

// broadcast sends the terse status update on the project and global
// channels.
func (r *Runner) broadcast(ctx context.Context, job *models.Job, status string) {
	if err := r.bus.PublishProjectUpdate(ctx, job.ProjectID, job.ThreadID, job.ID, status); err != nil {
		r.logger.Warn("Failed to publish project update", "job_id", job.ID, "error", err)
	}
	if err := r.bus.PublishGlobalUpdate(ctx, job.ProjectID, job.ThreadID, job.ID, status); err != nil {
		r.logger.Warn("Failed to publish global update", "job_id", job.ID, "error", err)
	}
}
