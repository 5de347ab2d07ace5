package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// subscriberBuffer bounds the per-subscription delivery channel. A consumer
// that falls this far behind loses the subscription rather than stalling
// the reader goroutine.
const subscriberBuffer = 256

// Subscription is one attached consumer of a job's event stream. Snapshot
// holds the state at attach time (nil when the job has no bus state yet);
// Events delivers raw wire frames from that point on. The channel closes
// after a terminal event, on context cancellation, or on Close.
type Subscription struct {
	Snapshot *JobState
	Events   <-chan json.RawMessage

	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
	_ = s.pubsub.Close()
}

// Subscribe attaches to a job's event stream. SUBSCRIBE is issued before
// the snapshot read, so no event falls in the gap between the two; an
// event delivered both in the snapshot and live is the documented
// at-least-once duplicate.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	pubsub := p.rdb.Subscribe(subCtx, JobChannel(jobID))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to job %s: %w", jobID, err)
	}

	snapshot, err := p.State(subCtx, jobID)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan json.RawMessage, subscriberBuffer)
	sub := &Subscription{
		Snapshot: snapshot,
		Events:   out,
		pubsub:   pubsub,
		cancel:   cancel,
	}

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				frame := json.RawMessage(msg.Payload)
				select {
				case out <- frame:
				case <-subCtx.Done():
					return
				}
				kind, err := KindOf(frame)
				if err != nil {
					slog.Warn("Dropping malformed bus event", "job_id", jobID, "error", err)
					continue
				}
				if IsTerminalKind(kind) {
					return
				}
			}
		}
	}()

	return sub, nil
}

// WatchCancel attaches to a job's control channel. The returned channel is
// closed when a cancel message arrives; it stays open forever otherwise.
// The watch ends with ctx.
func (p *Publisher) WatchCancel(ctx context.Context, jobID string) (<-chan struct{}, error) {
	pubsub := p.rdb.Subscribe(ctx, JobControlChannel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to watch cancellation for job %s: %w", jobID, err)
	}

	out := make(chan struct{})
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == ControlCancel {
					close(out)
					return
				}
			}
		}
	}()
	return out, nil
}

// ChannelSubscription is a plain pub/sub attachment to a project or global
// channel. There is no snapshot for these channels.
type ChannelSubscription struct {
	Events <-chan json.RawMessage

	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// Close detaches the subscription.
func (s *ChannelSubscription) Close() {
	s.cancel()
	_ = s.pubsub.Close()
}

// SubscribeChannel attaches to a named bus channel (project or global).
func (p *Publisher) SubscribeChannel(ctx context.Context, channel string) (*ChannelSubscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	pubsub := p.rdb.Subscribe(subCtx, channel)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	out := make(chan json.RawMessage, subscriberBuffer)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- json.RawMessage(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &ChannelSubscription{Events: out, pubsub: pubsub, cancel: cancel}, nil
}
