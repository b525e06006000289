// Package agent implements the perpetual decision loop. The loop never
// dequeues work itself: each turn it sends the transcript and the tool
// catalogue to the model and runs whatever tools the model asks for,
// and the model drives the mailbox through the mailbox_* tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nugget/nakari/internal/config"
	"github.com/nugget/nakari/internal/events"
	"github.com/nugget/nakari/internal/journal"
	"github.com/nugget/nakari/internal/llm"
	"github.com/nugget/nakari/internal/mailbox"
	"github.com/nugget/nakari/internal/prompts"
	"github.com/nugget/nakari/internal/tools"
	"github.com/nugget/nakari/internal/transcript"
	"github.com/nugget/nakari/internal/usage"
)

// DefaultJournalTimeout bounds each journal write.
const DefaultJournalTimeout = 5 * time.Second

// Journal records transcript messages. Failures are logged and never
// stop the loop.
type Journal interface {
	LogMessage(ctx context.Context, e journal.Entry) error
}

// UsageRecorder persists the token usage of each model response.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config tunes a Loop.
type Config struct {
	Model    string
	Provider string // recorded with usage

	// ExemptTools may run after the current event's budget is spent.
	ExemptTools []string

	ErrorBackoff   time.Duration
	JournalTimeout time.Duration

	Pricing   map[string]config.PricingEntry
	SessionID string
}

// Deps are the collaborators of a Loop. LLM, Transcript, Registry and
// State are required; the rest may be nil.
type Deps struct {
	LLM        llm.Client
	Transcript *transcript.Manager
	Registry   *tools.Registry
	State      *mailbox.LoopState
	Journal    Journal
	Usage      UsageRecorder
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Loop is the agent's decision loop. Run owns the transcript; nothing
// else may touch it while Run is active.
type Loop struct {
	llm      llm.Client
	ctx      *transcript.Manager
	registry *tools.Registry
	state    *mailbox.LoopState
	journal  Journal
	usage    UsageRecorder
	bus      *events.Bus
	logger   *slog.Logger

	cfg    Config
	exempt map[string]bool

	iteration int
}

// New creates a Loop.
func New(cfg Config, d Deps) *Loop {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.JournalTimeout <= 0 {
		cfg.JournalTimeout = DefaultJournalTimeout
	}
	exempt := make(map[string]bool, len(cfg.ExemptTools))
	for _, name := range cfg.ExemptTools {
		exempt[name] = true
	}
	return &Loop{
		llm:      d.LLM,
		ctx:      d.Transcript,
		registry: d.Registry,
		state:    d.State,
		journal:  d.Journal,
		usage:    d.Usage,
		bus:      d.Bus,
		logger:   d.Logger,
		cfg:      cfg,
		exempt:   exempt,
	}
}

// Run turns the loop until ctx is cancelled. Every failure inside a
// turn is reported to the model and retried after a backoff, so Run
// only returns on cancellation. The returned error always matches
// ErrShutdown and carries the cancellation cause.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent loop started", "model", l.cfg.Model, "exempt_tools", l.cfg.ExemptTools)

	for {
		if ctx.Err() != nil {
			return l.shutdown(ctx)
		}

		err := l.Step(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return l.shutdown(ctx)
		}

		l.logger.Error("agent loop error", "error", err, "iteration", l.iteration)
		l.bus.Emit(events.SourceLoop, events.KindLoopError, map[string]any{"error": err.Error()})

		msg := prompts.LoopError(err)
		l.ctx.AddUser(msg)
		l.logMessage(ctx, journal.Entry{Role: llm.RoleUser, Content: msg, EventID: l.state.CurrentID()})

		t := time.NewTimer(l.cfg.ErrorBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return l.shutdown(ctx)
		case <-t.C:
		}
	}
}

func (l *Loop) shutdown(ctx context.Context) error {
	cause := context.Cause(ctx)
	l.logger.Info("agent loop stopped", "cause", cause, "iterations", l.iteration)
	if errors.Is(cause, ErrShutdown) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrShutdown, cause)
}

// Step runs a single turn: compress, ask the model, then either run the
// requested tools in order or nudge the model when it asked for none.
// A panic anywhere in the turn is returned as an error.
func (l *Loop) Step(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("agent loop panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	l.iteration++

	if evicted := l.ctx.PassiveCompress(); evicted > 0 {
		l.bus.Emit(events.SourceLoop, events.KindCompressed, map[string]any{
			"mode":    "passive",
			"evicted": evicted,
			"tokens":  l.ctx.CountTokens(),
		})
	}

	eventID := l.state.CurrentID()
	messages := l.ctx.Messages()
	l.bus.Emit(events.SourceLoop, events.KindThinking, map[string]any{
		"event_id":       eventID,
		"iteration":      l.iteration,
		"messages":       len(messages),
		"context_tokens": l.ctx.CountTokens(),
	})

	start := time.Now()
	resp, err := l.llm.Chat(ctx, l.cfg.Model, messages, l.registry.List())
	if err != nil {
		return fmt.Errorf("llm chat: %w", err)
	}
	if resp == nil {
		return errors.New("llm chat: empty response")
	}

	msg := resp.Message
	l.logger.Debug("llm response",
		"model", resp.Model,
		"tool_calls", len(msg.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", time.Since(start),
	)
	l.bus.Emit(events.SourceLoop, events.KindResponse, map[string]any{
		"event_id":   eventID,
		"tool_calls": len(msg.ToolCalls),
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	l.recordUsage(ctx, resp)

	l.ctx.AddAssistant(msg.Content, msg.ToolCalls)
	l.logMessage(ctx, journal.Entry{
		Role:      llm.RoleAssistant,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		EventID:   eventID,
	})

	if len(msg.ToolCalls) == 0 {
		l.logger.Warn("model answered without tool calls", "content", truncate(msg.Content, 100))
		l.bus.Emit(events.SourceLoop, events.KindNudge, map[string]any{"event_id": eventID})
		l.ctx.AddUser(prompts.NoToolCallsNudge)
		l.logMessage(ctx, journal.Entry{Role: llm.RoleUser, Content: prompts.NoToolCallsNudge, EventID: eventID})
		return nil
	}

	for _, tc := range msg.ToolCalls {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.runToolCall(ctx, tc)
	}
	return nil
}

// runToolCall charges tc against the current event's budget and either
// executes it or answers with the budget-exceeded steering result.
func (l *Loop) runToolCall(ctx context.Context, tc llm.ToolCall) {
	name := tc.Function.Name
	eventID := l.state.CurrentID()

	if count, budget, charged := l.state.Charge(); charged && count > budget && !l.exempt[name] {
		l.logger.Warn("tool call refused, budget exceeded",
			"tool", name,
			"event_id", eventID,
			"count", count,
			"budget", budget,
		)
		l.bus.Emit(events.SourceLoop, events.KindBudgetExceeded, map[string]any{
			"event_id": eventID,
			"tool":     name,
			"count":    count,
			"budget":   budget,
		})
		l.addToolResult(ctx, tc.ID, prompts.BudgetExceeded(count, budget), eventID)
		return
	}

	l.logger.Info("tool call", "tool", name, "id", tc.ID, "event_id", eventID)
	l.bus.Emit(events.SourceLoop, events.KindToolCall, map[string]any{
		"event_id": eventID,
		"tool":     name,
		"count":    l.state.Count(),
	})

	start := time.Now()
	res := l.registry.Execute(ctx, name, tc.Function.Arguments)
	l.logger.Log(ctx, config.LevelTrace, "tool result", "tool", name, "output", res.Output)
	l.bus.Emit(events.SourceLoop, events.KindToolDone, map[string]any{
		"event_id":    eventID,
		"tool":        name,
		"ok":          !res.IsError,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	l.addToolResult(ctx, tc.ID, res.Output, eventID)
}

func (l *Loop) addToolResult(ctx context.Context, callID, output, eventID string) {
	if l.ctx.HasToolCall(callID) {
		l.ctx.AddToolResult(callID, output)
	} else {
		l.logger.Debug("tool call no longer in transcript, result kept in journal only", "id", callID)
	}
	l.logMessage(ctx, journal.Entry{Role: llm.RoleTool, Content: output, ToolCallID: callID, EventID: eventID})
}

// logMessage journals e with its own deadline. It survives cancellation
// of ctx so the last messages before shutdown are still recorded.
func (l *Loop) logMessage(ctx context.Context, e journal.Entry) {
	if l.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.JournalTimeout)
	defer cancel()
	if err := l.journal.LogMessage(jctx, e); err != nil {
		l.logger.Warn("journal write failed", "role", e.Role, "error", err)
	}
}

func (l *Loop) recordUsage(ctx context.Context, resp *llm.ChatResponse) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.cfg.Model
	}
	rec := usage.Record{
		SessionID:    l.cfg.SessionID,
		Model:        model,
		Provider:     l.cfg.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, l.cfg.Pricing),
	}
	if ev, ok := l.state.Current(); ok {
		rec.EventID = ev.ID
		rec.EventType = string(ev.Type)
	}

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.JournalTimeout)
	defer cancel()
	if err := l.usage.Record(uctx, rec); err != nil {
		l.logger.Warn("usage record failed", "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
