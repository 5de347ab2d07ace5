// Package agent drives one assistant turn end to end: streaming model
// calls interleaved with tool dispatch, emitting the canonical typed
// event stream consumed by the bus, the SSE endpoint, and the worker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/llm"
	"github.com/quarry-ai/quarry/pkg/models"
	"github.com/quarry-ai/quarry/pkg/tools"
)

// DefaultMaxIterations bounds model calls per turn. When reached, one
// final call without tools forces a conclusion.
const DefaultMaxIterations = 12

// Config tunes the loop.
type Config struct {
	MaxIterations  int
	EnableThinking bool
	ThinkingBudget int
}

// Input is everything one turn needs.
type Input struct {
	Question string
	// History holds the thread's prior persisted turns, oldest first.
	History []models.Turn
	// System is the combined instruction string: project instructions
	// plus inherited sub-thread context, built once by the caller.
	System string
	// ContextOnly answers from conversation context without offering
	// tools to the model.
	ContextOnly bool
	// Resume is the answer prefix already streamed by an earlier run of
	// the same job. It seeds the first model call as an assistant prefill
	// so the model continues mid-answer, and it is counted into
	// Outcome.Content; only the continuation is re-emitted as chunks.
	Resume string
	// Invocation carries the capability context for tool execution.
	Invocation *tools.Invocation
}

// Outcome summarises a finished run for the caller. The event stream
// carries the same information incrementally.
type Outcome struct {
	Content   string
	Thinking  string
	Sources   []events.Source
	ToolCalls int
	Usage     llm.Usage
	Err       error
	Cancelled bool
}

// Loop runs assistant turns.
type Loop struct {
	llm      llm.Client
	registry *tools.Registry
	executor *tools.Executor
	cfg      Config
	logger   *slog.Logger
}

// New creates a Loop.
func New(client llm.Client, registry *tools.Registry, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	return &Loop{
		llm:      client,
		registry: registry,
		executor: tools.NewExecutor(registry),
		cfg:      cfg,
		logger:   slog.With("component", "agent_loop"),
	}
}

// Run drives one turn, emitting events in causal order and finishing with
// exactly one done or error event. Tool failures are recovered inside the
// loop; model/stream failures terminate it.
func (l *Loop) Run(ctx context.Context, in *Input, emit func(events.Event)) *Outcome {
	outcome := &Outcome{}

	emit(&events.PlanEvent{Acknowledgment: acknowledgment(in.Question)})

	turns := historyTurns(in.History)
	turns = append(turns, llm.Turn{Role: "user", Text: in.Question})
	if in.Resume != "" {
		outcome.Content = in.Resume
		turns = append(turns, llm.Turn{Role: "assistant", Text: in.Resume})
	}

	streamDeltas := func(d llm.Delta) {
		switch d.Kind {
		case llm.DeltaText:
			outcome.Content += d.Text
			emit(&events.ChunkEvent{Content: d.Text})
		case llm.DeltaThinking:
			outcome.Thinking += d.Text
			emit(&events.ThinkingEvent{Content: d.Text})
		}
	}

	for iteration := 0; ; iteration++ {
		var defs []llm.ToolDef
		if !in.ContextOnly && iteration < l.cfg.MaxIterations {
			// Recomputed per call so missing capabilities never appear.
			defs = l.registry.Defs(in.Invocation)
		}
		if iteration == l.cfg.MaxIterations {
			l.logger.Warn("Max iterations reached, forcing conclusion",
				"job_id", in.Invocation.JobID, "iterations", iteration)
		}

		result, err := l.llm.Stream(ctx, &llm.Request{
			System:         in.System,
			Turns:          turns,
			Tools:          defs,
			EnableThinking: l.cfg.EnableThinking,
			ThinkingBudget: l.cfg.ThinkingBudget,
		}, streamDeltas)
		if err != nil {
			return l.fail(ctx, outcome, err, emit)
		}

		outcome.Usage.InputTokens += result.Usage.InputTokens
		outcome.Usage.OutputTokens += result.Usage.OutputTokens
		emit(&events.UsageEvent{
			InputTokens:  outcome.Usage.InputTokens,
			OutputTokens: outcome.Usage.OutputTokens,
			TotalTokens:  outcome.Usage.InputTokens + outcome.Usage.OutputTokens,
		})

		if result.StopReason != llm.StopToolUse || len(result.ToolCalls) == 0 || defs == nil {
			break
		}

		// Dispatch the whole tool batch, then consolidate any sources
		// it produced into a single event.
		var (
			toolResults  []llm.ToolResult
			batchSources []events.Source
		)
		for _, call := range result.ToolCalls {
			if ctx.Err() != nil {
				return l.fail(ctx, outcome, ctx.Err(), emit)
			}
			tr, sources := l.executor.Execute(ctx, call, in.Invocation, emit)
			toolResults = append(toolResults, tr)
			batchSources = append(batchSources, sources...)
			outcome.ToolCalls++
		}
		if len(batchSources) > 0 {
			outcome.Sources = append(outcome.Sources, batchSources...)
			emit(&events.SourcesEvent{Sources: outcome.Sources})
		}

		// The assistant turn goes back with all content blocks intact,
		// reasoning blocks included, followed by the tool results as
		// the next user turn.
		turns = append(turns, result.Assistant)
		turns = append(turns, llm.Turn{Role: "user", ToolResults: toolResults})
	}

	sources := outcome.Sources
	if sources == nil {
		sources = []events.Source{}
	}
	emit(&events.SourcesEvent{Sources: sources})
	emit(&events.StatusEvent{Status: events.PhaseResponding})
	emit(&events.DoneEvent{})
	return outcome
}

// fail terminates the run with an error event. Context cancellation is
// reported as cancelled rather than failed.
func (l *Loop) fail(ctx context.Context, outcome *Outcome, err error, emit func(events.Event)) *Outcome {
	outcome.Err = err
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		outcome.Cancelled = true
		emit(&events.ErrorEvent{Message: "cancelled", Cancelled: true})
		return outcome
	}
	l.logger.Error("Agent loop failed", "error", err)
	emit(&events.ErrorEvent{Message: err.Error()})
	return outcome
}

// historyTurns converts persisted turns to model turns.
func historyTurns(history []models.Turn) []llm.Turn {
	out := make([]llm.Turn, 0, len(history))
	for _, t := range history {
		if t.Content == "" {
			continue
		}
		out = append(out, llm.Turn{Role: t.Role, Text: t.Content})
	}
	return out
}

// acknowledgment derives the plan acknowledgment from the question. The cut
// is rune-based so a multibyte question never yields invalid UTF-8.
func acknowledgment(question string) string {
	q := strings.TrimSpace(question)
	if runes := []rune(q); len(runes) > 80 {
		q = string(runes[:80]) + "…"
	}
	return fmt.Sprintf("Working on: %s", q)
}
