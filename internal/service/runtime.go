package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/domain/agent"
	"github.com/Strob0t/agentloop/internal/domain/cost"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/session"
	"github.com/Strob0t/agentloop/internal/domain/stream"
)

// RunRequest overrides the runtime's default agent settings for one run.
// Zero fields keep the defaults.
type RunRequest struct {
	Task         string        `json:"task"`
	Name         string        `json:"name,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	AllowedTools []string      `json:"allowed_tools,omitempty"`
	MaxTurns     int           `json:"max_turns,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	CostLimitUSD float64       `json:"cost_limit_usd,omitempty"`
	Tier         llm.Tier      `json:"tier,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
}

// RuntimeService starts top-level agent runs. Every run gets its own usage
// tracker, shared with the subagents it spawns.
type RuntimeService struct {
	base      agent.Config
	gateway   *Gateway
	registry  *Registry
	compactor *Compactor
	sink      EventSink
	metrics   *agentotel.Metrics
	log       *slog.Logger

	onRunComplete func(ctx context.Context, res *session.RunResult)
}

// NewRuntimeService creates a RuntimeService with all dependencies.
func NewRuntimeService(base agent.Config, gw *Gateway, reg *Registry, log *slog.Logger) *RuntimeService {
	if log == nil {
		log = slog.Default()
	}
	return &RuntimeService{
		base:     base.WithDefaults(),
		gateway:  gw,
		registry: reg,
		log:      log,
	}
}

// SetCompactor enables compaction for every run.
func (s *RuntimeService) SetCompactor(c *Compactor) { s.compactor = c }

// SetEventSink forwards every run event to sink.
func (s *RuntimeService) SetEventSink(sink EventSink) { s.sink = sink }

// SetMetrics wires run counters.
func (s *RuntimeService) SetMetrics(m *agentotel.Metrics) { s.metrics = m }

// SetOnRunComplete registers a callback invoked after a run terminates.
func (s *RuntimeService) SetOnRunComplete(fn func(context.Context, *session.RunResult)) {
	s.onRunComplete = fn
}

// Registry returns the tool registry runs dispatch into.
func (s *RuntimeService) Registry() *Registry { return s.registry }

// Gateway returns the provider gateway.
func (s *RuntimeService) Gateway() *Gateway { return s.gateway }

// Config merges req into the default agent configuration.
func (s *RuntimeService) Config(req RunRequest) agent.Config {
	cfg := s.base
	if req.Name != "" {
		cfg.Name = req.Name
	}
	if req.SystemPrompt != "" {
		cfg.SystemPrompt = req.SystemPrompt
	}
	if req.AllowedTools != nil {
		cfg.AllowedTools = req.AllowedTools
	}
	if req.MaxTurns > 0 {
		cfg.MaxTurns = req.MaxTurns
	}
	if req.Timeout > 0 {
		cfg.Timeout = req.Timeout
	}
	if req.CostLimitUSD > 0 {
		cfg.CostLimitUSD = req.CostLimitUSD
	}
	if req.Tier != "" {
		cfg.Tier = req.Tier
	}
	cfg.Stream = cfg.Stream || req.Stream
	return cfg
}

// NewLoop builds a loop for req with a fresh usage tracker.
func (s *RuntimeService) NewLoop(req RunRequest) *Loop {
	loop := NewLoop(s.Config(req), s.gateway.WithTracker(cost.NewTracker()), s.registry, s.log)
	loop.SetCompactor(s.compactor)
	loop.SetEventSink(s.sink)
	loop.SetMetrics(s.metrics)
	return loop
}

// Run executes req synchronously.
func (s *RuntimeService) Run(ctx context.Context, req RunRequest) (*session.RunResult, error) {
	if req.Task == "" {
		return nil, fmt.Errorf("run: task is required")
	}
	res, err := s.NewLoop(req).Run(ctx, req.Task)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	s.complete(ctx, res)
	return res, nil
}

// RunStream executes req and returns its event stream along with the run's
// session id. The channel is closed after the terminal event.
func (s *RuntimeService) RunStream(ctx context.Context, req RunRequest) (string, <-chan stream.Event, error) {
	if req.Task == "" {
		return "", nil, fmt.Errorf("run: task is required")
	}
	loop := s.NewLoop(req)
	events, err := loop.RunStream(ctx, req.Task)
	if err != nil {
		return "", nil, fmt.Errorf("run: %w", err)
	}
	if s.onRunComplete == nil {
		return loop.Session().ID, events, nil
	}

	out := make(chan stream.Event, cap(events))
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if res := loop.Result(); res != nil {
			s.complete(context.WithoutCancel(ctx), res)
		}
	}()
	return loop.Session().ID, out, nil
}

func (s *RuntimeService) complete(ctx context.Context, res *session.RunResult) {
	if s.onRunComplete != nil {
		s.onRunComplete(ctx, res)
	}
}
