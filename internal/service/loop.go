package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/domain/agent"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/session"
	"github.com/Strob0t/agentloop/internal/domain/stream"
	"github.com/Strob0t/agentloop/internal/domain/tool"
	"github.com/Strob0t/agentloop/internal/logger"
)

// ErrLoopUsed is returned when Run or RunStream is called on a loop that
// already ran. Loops are single-use.
var ErrLoopUsed = errors.New("agent loop already ran")

// EventSink receives every event a loop emits, in both run modes.
type EventSink interface {
	Publish(ctx context.Context, ev stream.Event)
}

// EventSinks fans every event out to each sink in order.
type EventSinks []EventSink

// Publish implements EventSink.
func (s EventSinks) Publish(ctx context.Context, ev stream.Event) {
	for _, sink := range s {
		sink.Publish(ctx, ev)
	}
}

// Loop drives one agent session: it alternates provider calls and tool
// dispatch until the model answers without tool calls or a limit is hit.
type Loop struct {
	cfg       agent.Config
	gateway   *Gateway
	registry  *Registry
	compactor *Compactor
	sink      EventSink
	metrics   *agentotel.Metrics
	log       *slog.Logger

	session *session.Session
	result  *session.RunResult
	used    atomic.Bool
	now     func() time.Time
}

// NewLoop creates a loop whose session records usage into the gateway's tracker.
func NewLoop(cfg agent.Config, gw *Gateway, reg *Registry, log *slog.Logger) *Loop {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:      cfg,
		gateway:  gw,
		registry: reg,
		log:      log,
		session:  session.New(cfg.Name, "", 0, gw.Tracker()),
		now:      time.Now,
	}
}

// SetCompactor enables history compaction between turns.
func (l *Loop) SetCompactor(c *Compactor) { l.compactor = c }

// SetEventSink forwards every event to sink.
func (l *Loop) SetEventSink(sink EventSink) { l.sink = sink }

// SetMetrics wires run and turn counters.
func (l *Loop) SetMetrics(m *agentotel.Metrics) { l.metrics = m }

// SetParent marks the session as a child of parentID at the given depth.
func (l *Loop) SetParent(parentID string, depth int) {
	l.session.ParentID = parentID
	l.session.Depth = depth
}

// Session returns the loop's session. Observers should use Snapshot.
func (l *Loop) Session() *session.Session { return l.session }

// Config returns the effective loop configuration.
func (l *Loop) Config() agent.Config { return l.cfg }

// Result returns the run result once the loop has terminated.
func (l *Loop) Result() *session.RunResult { return l.result }

// Run executes task to completion. Limits, tool failures and provider
// exhaustion end the run with a reason; an error is returned only for an
// invalid configuration or a reused loop.
func (l *Loop) Run(ctx context.Context, task string) (*session.RunResult, error) {
	if err := l.start(); err != nil {
		return nil, err
	}
	return l.run(ctx, task, l.cfg.Stream, nil), nil
}

// RunStream executes task and returns its events on a bounded channel. The
// channel receives exactly one terminal done or error event and is then closed.
func (l *Loop) RunStream(ctx context.Context, task string) (<-chan stream.Event, error) {
	if err := l.start(); err != nil {
		return nil, err
	}
	ch := make(chan stream.Event, l.cfg.StreamBuffer)
	go func() {
		defer close(ch)
		l.run(ctx, task, true, func(ev stream.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				// Reader is gone; terminal events still get a short grace period.
				if ev.Terminal() {
					select {
					case ch <- ev:
					case <-time.After(time.Second):
					}
				}
			}
		})
	}()
	return ch, nil
}

func (l *Loop) start() error {
	if err := l.cfg.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	if !l.used.CompareAndSwap(false, true) {
		return ErrLoopUsed
	}
	return nil
}

// run is the state machine shared by both modes. out may be nil.
func (l *Loop) run(ctx context.Context, task string, streaming bool, out func(stream.Event)) *session.RunResult {
	s := l.session
	s.StartedAt = l.now()
	deadline := s.StartedAt.Add(l.cfg.Timeout)

	ctx = logger.WithSessionID(ctx, s.ID)
	ctx, span := agentotel.StartRunSpan(ctx, s.ID, s.AgentName, s.ParentID, s.Depth)
	log := l.log.With("agent", s.AgentName, "depth", s.Depth)
	l.metrics.RunStarted(ctx, s.AgentName)

	emit := func(ev stream.Event) {
		ev.SessionID = s.ID
		if ev.Turn == 0 {
			ev.Turn = s.Turn
		}
		ev.Time = l.now()
		if l.sink != nil {
			l.sink.Publish(ctx, ev)
		}
		if out != nil {
			out(ev)
		}
	}
	finish := func(reason session.Status, text string) *session.RunResult {
		if err := s.Transition(reason); err != nil {
			log.ErrorContext(ctx, "session transition", "to", reason, "error", err)
		}
		res := session.NewRunResult(s, reason, text)
		l.result = res
		if reason == session.StatusError {
			emit(stream.Event{Type: stream.TypeError, Error: text})
		} else {
			emit(stream.Event{Type: stream.TypeDone, Done: &stream.Done{
				Reason:      string(reason),
				FinalText:   text,
				Success:     res.Success,
				TurnsUsed:   s.Turn,
				ToolsCalled: s.ToolsCalled(),
			}})
		}
		var spanErr error
		if reason == session.StatusError {
			spanErr = errors.New(text)
		}
		agentotel.EndSpan(span, spanErr)
		elapsed := s.Elapsed(l.now())
		l.metrics.RunFinished(ctx, s.AgentName, string(reason), elapsed, s.SpentUSD)
		log.InfoContext(ctx, "run finished",
			"reason", reason, "turns", s.Turn, "tools", len(s.ToolLog),
			"spent_usd", s.SpentUSD, "duration_ms", elapsed.Milliseconds())
		return res
	}

	if err := s.Transition(session.StatusRunning); err != nil {
		return finish(session.StatusError, err.Error())
	}
	prompt := l.cfg.SystemPrompt
	if prompt == "" {
		prompt = agent.DefaultSystemPrompt
	}
	_ = s.Append(message.System(prompt), message.User(task))
	log.InfoContext(ctx, "run started", "max_turns", l.cfg.MaxTurns, "timeout", l.cfg.Timeout, "tier", l.cfg.Tier)

	tools := l.registry.Definitions(l.cfg.AllowedTools)
	for {
		if reason, hit := l.limitReached(deadline); hit {
			return finish(reason, s.LastAssistantText())
		}
		if err := ctx.Err(); err != nil {
			return finish(session.StatusError, fmt.Sprintf("run cancelled: %v", err))
		}

		s.Turn++
		turn := s.Turn
		tctx, turnSpan := agentotel.StartTurnSpan(ctx, turn)
		l.metrics.TurnStarted(tctx, s.AgentName)
		emit(stream.Event{Type: stream.TypeTurnStarted})

		l.maybeCompact(tctx)

		req := llm.ChatRequest{
			Messages:        s.Messages,
			Tier:            l.cfg.Tier,
			Tools:           tools,
			Temperature:     l.cfg.Temperature,
			MaxOutputTokens: l.cfg.MaxOutputTokens,
		}
		resp, err := l.callProvider(tctx, deadline, req, streaming, emit)
		if err != nil {
			agentotel.EndSpan(turnSpan, err)
			switch {
			case ctx.Err() != nil:
				return finish(session.StatusError, fmt.Sprintf("run cancelled: %v", ctx.Err()))
			case !l.now().Before(deadline):
				return finish(session.StatusTimeout, s.LastAssistantText())
			}
			log.ErrorContext(ctx, "provider call failed", "turn", turn, "error", err)
			return finish(session.StatusError, err.Error())
		}

		s.AddSpend(resp.Record.CostUSD)
		emit(stream.Event{Type: stream.TypeUsageUpdate, Usage: &stream.Usage{
			Provider:       resp.Provider,
			Model:          resp.Model,
			InputTokens:    resp.Usage.InputTokens,
			OutputTokens:   resp.Usage.OutputTokens,
			CostUSD:        resp.Record.CostUSD,
			SessionCostUSD: s.SpentUSD,
			TotalCostUSD:   s.Tracker.TotalCostUSD(),
		}})

		if len(resp.ToolCalls) == 0 {
			_ = s.Append(message.Assistant(resp.Text))
			agentotel.EndSpan(turnSpan, nil)
			l.afterTurn(ctx)
			return finish(session.StatusComplete, resp.Text)
		}

		_ = s.Append(message.Assistant(resp.Text, resp.ToolCalls...))
		_ = s.Transition(session.StatusAwaitingToolResults)
		toolCtx := session.NewContext(tctx, s)
		for _, call := range resp.ToolCalls {
			rec := l.dispatch(toolCtx, call, turn)
			_ = s.RecordTool(rec)
			_ = s.Append(message.ToolResult(call.ID, call.Name, rec.Content()))
			emit(stream.Event{Type: stream.TypeToolResult, Tool: &stream.Tool{
				CallID:     rec.CallID,
				Name:       rec.Name,
				Arguments:  rec.Arguments,
				Result:     rec.Result,
				Success:    rec.Success,
				Error:      rec.Error,
				DurationMS: rec.Duration.Milliseconds(),
			}})
			if h := l.cfg.Hooks.AfterTool; h != nil {
				h(ctx, rec)
			}
		}
		_ = s.Transition(session.StatusRunning)
		agentotel.EndSpan(turnSpan, nil)
		l.afterTurn(ctx)
	}
}

// limitReached checks turns, then wall-clock time, then spend.
func (l *Loop) limitReached(deadline time.Time) (session.Status, bool) {
	s := l.session
	switch {
	case s.Turn >= l.cfg.MaxTurns:
		return session.StatusMaxTurns, true
	case !l.now().Before(deadline):
		return session.StatusTimeout, true
	case l.cfg.CostLimitUSD > 0 && s.SpentUSD >= l.cfg.CostLimitUSD:
		return session.StatusCostLimit, true
	}
	return "", false
}

func (l *Loop) maybeCompact(ctx context.Context) {
	if !l.cfg.Compaction.Enabled || l.compactor == nil {
		return
	}
	s := l.session
	limit := l.gateway.ContextLimit(l.cfg.Tier)
	if !l.compactor.ShouldCompact(s.Messages, limit, l.cfg.Compaction.Threshold) {
		return
	}
	msgs, report := l.compactor.Compact(ctx, l.gateway, s.Messages, l.cfg.Compaction.ProtectedToolResults)
	s.AddSpend(report.CostUSD)
	if report.Compacted {
		_ = s.ReplaceHistory(msgs)
	}
}

// callProvider bounds the provider call by the run deadline. Tool handlers
// are not bounded this way.
func (l *Loop) callProvider(ctx context.Context, deadline time.Time, req llm.ChatRequest, streaming bool, emit func(stream.Event)) (*llm.ChatResponse, error) {
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if !streaming {
		return l.gateway.Chat(cctx, req)
	}
	return l.gateway.ChatStream(cctx, req, func(c llm.Chunk) {
		if ev, ok := chunkEvent(c); ok {
			emit(ev)
		}
	})
}

func chunkEvent(c llm.Chunk) (stream.Event, bool) {
	switch c.Type {
	case llm.ChunkText:
		return stream.Event{Type: stream.TypeTextDelta, Text: c.Text}, true
	case llm.ChunkToolStart:
		return stream.Event{Type: stream.TypeToolStarted, Tool: &stream.Tool{
			CallID: c.ToolCall.ID, Name: c.ToolCall.Name,
		}}, true
	case llm.ChunkToolDelta:
		return stream.Event{Type: stream.TypeToolArgumentDelta, Tool: &stream.Tool{
			CallID: c.ToolCall.ID, Name: c.ToolCall.Name, ArgumentsDelta: c.ArgsDelta,
		}}, true
	case llm.ChunkToolEnd:
		return stream.Event{Type: stream.TypeToolFinished, Tool: &stream.Tool{
			CallID: c.ToolCall.ID, Name: c.ToolCall.Name, Arguments: c.ToolCall.Arguments,
		}}, true
	}
	return stream.Event{}, false
}

func (l *Loop) dispatch(ctx context.Context, call message.ToolCall, turn int) tool.ExecutionRecord {
	if h := l.cfg.Hooks.BeforeTool; h != nil {
		if err := h(ctx, call); err != nil {
			l.log.InfoContext(ctx, "tool call vetoed", "tool", call.Name, "error", err)
			return tool.ExecutionRecord{
				CallID:    call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Turn:      turn,
				Error:     fmt.Sprintf("vetoed: %v", err),
				StartedAt: l.now(),
			}
		}
	}
	if l.cfg.AllowedTools != nil && !slices.Contains(l.cfg.AllowedTools, call.Name) {
		return tool.ExecutionRecord{
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Turn:      turn,
			Error:     fmt.Sprintf("%v: %q is not available to this agent", ErrUnknownTool, call.Name),
			StartedAt: l.now(),
		}
	}
	return l.registry.Dispatch(ctx, DispatchRequest{
		Call: call,
		Turn: turn,
		Retry: RetryPolicy{
			Enabled:    l.cfg.RetryEnabled,
			MaxRetries: l.cfg.ToolRetries,
			Backoff:    l.cfg.RetryBackoff,
		},
		MaxResultChars: l.cfg.MaxResultChars,
	})
}

func (l *Loop) afterTurn(ctx context.Context) {
	if h := l.cfg.Hooks.AfterTurn; h != nil {
		h(ctx, l.session.Snapshot())
	}
}
