package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/session"
	"github.com/Strob0t/agentloop/internal/domain/stream"
	"github.com/Strob0t/agentloop/internal/logger"
	"github.com/Strob0t/agentloop/internal/port/messagequeue"
)

// QueueSink publishes loop events to runs.events.{session_id}.
type QueueSink struct {
	queue messagequeue.Queue
	log   *slog.Logger
}

// NewQueueSink creates a sink publishing to q.
func NewQueueSink(q messagequeue.Queue, log *slog.Logger) *QueueSink {
	if log == nil {
		log = slog.Default()
	}
	return &QueueSink{queue: q, log: log}
}

// Publish encodes ev as JSON and publishes it. Failures are logged; a broken
// queue never stops a run.
func (s *QueueSink) Publish(ctx context.Context, ev stream.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.ErrorContext(ctx, "encode event", "type", ev.Type, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.RunEventsSubject(ev.SessionID), data); err != nil {
		s.log.WarnContext(ctx, "publish event", "type", ev.Type, "session_id", ev.SessionID, "error", err)
	}
}

// RunWorker executes runs requested on runs.start and reports each outcome
// on runs.complete.
type RunWorker struct {
	runtime *RuntimeService
	queue   messagequeue.Queue
	log     *slog.Logger
}

// NewRunWorker creates a RunWorker.
func NewRunWorker(rt *RuntimeService, q messagequeue.Queue, log *slog.Logger) *RunWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RunWorker{runtime: rt, queue: q, log: log}
}

// Start subscribes to runs.start. The returned function stops consuming.
func (w *RunWorker) Start(ctx context.Context) (func(), error) {
	stop, err := w.queue.Subscribe(ctx, messagequeue.SubjectRunStart, w.handleStart)
	if err != nil {
		return nil, fmt.Errorf("worker subscribe: %w", err)
	}
	w.log.Info("run worker started", "subject", messagequeue.SubjectRunStart)
	return stop, nil
}

func (w *RunWorker) handleStart(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RunStartPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode run start: %w", err)
	}
	if p.RequestID != "" && logger.RequestID(ctx) == "" {
		ctx = logger.WithRequestID(ctx, p.RequestID)
	}

	res, err := w.runtime.Run(ctx, RequestFromPayload(p))
	if err != nil {
		return err
	}

	out, err := json.Marshal(CompletePayload(p.RequestID, res))
	if err != nil {
		return fmt.Errorf("encode run complete: %w", err)
	}
	if err := w.queue.Publish(ctx, messagequeue.SubjectRunComplete, out); err != nil {
		return fmt.Errorf("publish run complete: %w", err)
	}
	w.log.InfoContext(ctx, "queued run finished", "reason", res.Reason, "turns", res.TurnsUsed())
	return nil
}

// RequestFromPayload maps a queued run request onto a RunRequest.
func RequestFromPayload(p messagequeue.RunStartPayload) RunRequest {
	return RunRequest{
		Task:         p.Task,
		SystemPrompt: p.SystemPrompt,
		AllowedTools: p.AllowedTools,
		MaxTurns:     p.MaxTurns,
		Timeout:      time.Duration(p.TimeoutSeconds) * time.Second,
		CostLimitUSD: p.CostLimitUSD,
		Tier:         llm.Tier(p.Tier),
		Stream:       p.Stream,
	}
}

// CompletePayload summarizes res for runs.complete.
func CompletePayload(requestID string, res *session.RunResult) messagequeue.RunCompletePayload {
	p := messagequeue.RunCompletePayload{
		RequestID:   requestID,
		Reason:      string(res.Reason),
		Success:     res.Success,
		FinalText:   res.FinalText,
		TurnsUsed:   res.TurnsUsed(),
		ToolsCalled: res.ToolsCalled(),
	}
	if s := res.Session; s != nil {
		p.SessionID = s.ID
		if s.Tracker != nil {
			p.TotalCostUSD = s.Tracker.TotalCostUSD()
			p.CallCount = s.Tracker.CallCount()
		}
	}
	return p
}
