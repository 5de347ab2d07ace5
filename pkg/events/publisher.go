package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher writes job events to the bus. For a given job there is exactly
// one publisher (the worker or the inline streaming task), so the snapshot
// read-modify-write needs no cross-process coordination.
type Publisher struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewPublisher creates a Publisher on an established Redis client.
func NewPublisher(rdb redis.UniversalClient) *Publisher {
	return &Publisher{
		rdb:    rdb,
		logger: slog.With("component", "event_publisher"),
	}
}

// PublishCancel broadcasts a cancel control message for a job. Whichever
// replica is running the job observes it and aborts the model stream.
func (p *Publisher) PublishCancel(ctx context.Context, jobID string) error {
	if err := p.rdb.Publish(ctx, JobControlChannel(jobID), ControlCancel).Err(); err != nil {
		return fmt.Errorf("failed to publish cancel for job %s: %w", jobID, err)
	}
	return nil
}

// Ping checks bus connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Publish applies ev to the job's snapshot and publishes the wire event.
// Snapshot write, TTL refresh, and publish go out in one pipeline so a
// subscriber never sees an event before its state effects. A transient
// Redis failure is retried once; the caller treats remaining errors as
// non-fatal (the durable job record is the system of record).
func (p *Publisher) Publish(ctx context.Context, jobID string, ev Event) error {
	state, err := p.State(ctx, jobID)
	if err != nil {
		return err
	}
	if state == nil {
		state = NewJobState(jobID)
	}
	state.Apply(ev)

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}
	wire, err := Marshal(ev)
	if err != nil {
		return err
	}

	send := func() error {
		pipe := p.rdb.TxPipeline()
		pipe.Set(ctx, JobStateKey(jobID), stateJSON, StateTTL)
		pipe.Publish(ctx, JobChannel(jobID), wire)
		_, err := pipe.Exec(ctx)
		return err
	}

	if err := send(); err != nil {
		p.logger.Warn("Publish failed, retrying once",
			"job_id", jobID, "kind", ev.Kind(), "error", err)
		if err := send(); err != nil {
			return fmt.Errorf("failed to publish %s event for job %s: %w", ev.Kind(), jobID, err)
		}
	}
	return nil
}

// PublishProjectUpdate broadcasts a terse job status update on the project
// channel. No snapshot is maintained for these.
func (p *Publisher) PublishProjectUpdate(ctx context.Context, projectID, threadID, jobID, status string) error {
	wire, err := Marshal(&JobUpdateEvent{ThreadID: threadID, JobID: jobID, Status: status})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, ProjectChannel(projectID), wire).Err(); err != nil {
		return fmt.Errorf("failed to publish project update: %w", err)
	}
	return nil
}

// PublishGlobalUpdate broadcasts a job status update on the global channel
// for cross-project observers.
func (p *Publisher) PublishGlobalUpdate(ctx context.Context, projectID, threadID, jobID, status string) error {
	wire, err := Marshal(&JobUpdateEvent{ProjectID: projectID, ThreadID: threadID, JobID: jobID, Status: status})
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, GlobalJobsChannel, wire).Err(); err != nil {
		return fmt.Errorf("failed to publish global update: %w", err)
	}
	return nil
}

// State loads the current snapshot for a job, or nil when none exists.
func (p *Publisher) State(ctx context.Context, jobID string) (*JobState, error) {
	data, err := p.rdb.Get(ctx, JobStateKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job state: %w", err)
	}
	var state JobState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode job state: %w", err)
	}
	return &state, nil
}

// Clear deletes the job's snapshot immediately.
func (p *Publisher) Clear(ctx context.Context, jobID string) error {
	if err := p.rdb.Del(ctx, JobStateKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear job state: %w", err)
	}
	return nil
}

// ScheduleClear deletes the job's snapshot after the grace period, leaving
// time for late subscribers to read the terminal state.
func (p *Publisher) ScheduleClear(jobID string) {
	time.AfterFunc(ClearGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Clear(ctx, jobID); err != nil {
			p.logger.Warn("Failed to clear job state after grace period",
				"job_id", jobID, "error", err)
		}
	})
}
