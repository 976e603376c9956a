package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/agentloop/internal/adapter/anthropic"
	"github.com/Strob0t/agentloop/internal/adapter/litellm"
	"github.com/Strob0t/agentloop/internal/adapter/mcp"
	agentnats "github.com/Strob0t/agentloop/internal/adapter/nats"
	"github.com/Strob0t/agentloop/internal/adapter/natskv"
	"github.com/Strob0t/agentloop/internal/adapter/openai"
	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/adapter/ristretto"
	"github.com/Strob0t/agentloop/internal/adapter/tiered"
	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/agent"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/logger"
	"github.com/Strob0t/agentloop/internal/port/cache"
	"github.com/Strob0t/agentloop/internal/port/provider"
	"github.com/Strob0t/agentloop/internal/service"
)

// ackMargin is added to the agent timeout so a queued run is never
// redelivered while it is still running.
const ackMargin = time.Minute

// app holds the wired runtime shared by every command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *agentotel.Metrics
	queue   *agentnats.Queue // nil when NATS is disabled
	cache   cache.Cache
	spawner *service.Spawner
	runtime *service.RuntimeService

	closers []func(context.Context)
}

// newApp loads the configuration and wires the runtime. NATS and telemetry
// are connected only when enabled.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	a := &app{cfg: cfg, log: log}
	a.onClose(func(context.Context) { closer.Close() })

	if err := a.wire(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	// --- Telemetry ---
	shutdown, err := agentotel.Setup(ctx, cfg.OTEL, a.log)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	a.onClose(func(ctx context.Context) {
		if err := shutdown(ctx); err != nil {
			a.log.Warn("otel shutdown failed", "error", err)
		}
	})
	if a.metrics, err = agentotel.NewMetrics(); err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- NATS ---
	if cfg.NATS.Enabled {
		q, err := agentnats.Connect(ctx, cfg.NATS.URL, a.log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		q.SetAckWait(cfg.Agent.Timeout + ackMargin)
		a.queue = q
		a.onClose(func(context.Context) {
			if err := q.Drain(); err != nil {
				a.log.Warn("nats drain failed", "error", err)
			}
			_ = q.Close()
		})
	}

	// --- Cache ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	a.onClose(func(context.Context) { l1.Close() })
	var l2 cache.Cache
	if a.queue != nil {
		kv, err := natskv.Open(ctx, a.queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			a.log.Warn("l2 cache unavailable, using l1 only", "error", err)
		} else {
			l2 = kv
		}
	}
	a.cache = tiered.New(l1, l2, cfg.Compaction.SummaryTTL, a.log)

	// --- Providers ---
	vendors := buildVendors(cfg, a.log)
	if len(vendors) == 0 {
		a.log.Warn("no provider credentials configured; runs will fail until one is set")
	}
	gw := service.NewGateway(service.OrderVendors(cfg.Providers.Primary, vendors), nil, cfg.Breaker, a.log)
	gw.SetMetrics(a.metrics)

	// --- Tools ---
	base := agentConfig(cfg)
	reg := service.NewRegistry(a.log)
	reg.SetMetrics(a.metrics)
	a.spawner = service.NewSpawner(cfg.Subagent, base, gw, reg, a.log)
	a.spawner.SetMetrics(a.metrics)
	if err := service.RegisterBuiltins(reg, a.spawner); err != nil {
		return fmt.Errorf("builtin tools: %w", err)
	}
	for _, cl := range mcp.ImportTools(ctx, cfg.MCP.Remotes, reg.Register, a.log) {
		a.onClose(func(context.Context) { _ = cl.Close() })
	}

	// --- Runtime ---
	a.runtime = service.NewRuntimeService(base, gw, reg, a.log)
	a.runtime.SetMetrics(a.metrics)
	if cfg.Compaction.Enabled {
		comp := service.NewCompactor(cfg.Compaction, a.cache, a.log)
		comp.SetMetrics(a.metrics)
		a.runtime.SetCompactor(comp)
		a.spawner.SetCompactor(comp)
	}
	return nil
}

// setSinks routes run events from top-level runs and subagents to sinks.
func (a *app) setSinks(sinks service.EventSinks) {
	if len(sinks) == 0 {
		return
	}
	a.runtime.SetEventSink(sinks)
	a.spawner.SetEventSink(sinks)
}

// agentConfig maps the configured defaults onto a loop configuration.
func agentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Name:            "agent",
		SystemPrompt:    cfg.Agent.SystemPrompt,
		MaxTurns:        cfg.Agent.MaxTurns,
		Timeout:         cfg.Agent.Timeout,
		CostLimitUSD:    cfg.Agent.CostLimitUSD,
		Tier:            llm.Tier(cfg.Agent.Tier),
		Stream:          cfg.Agent.Stream,
		StreamBuffer:    cfg.Agent.StreamBuffer,
		Temperature:     cfg.Agent.Temperature,
		MaxOutputTokens: cfg.Agent.MaxOutputTokens,
		Compaction: agent.Compaction{
			Enabled:              cfg.Compaction.Enabled,
			Threshold:            cfg.Compaction.Threshold,
			ProtectedToolResults: cfg.Compaction.ProtectedToolResults,
		},
		RetryEnabled:   cfg.Tools.RetryEnabled,
		ToolRetries:    cfg.Tools.MaxRetries,
		RetryBackoff:   cfg.Tools.Backoff,
		MaxResultChars: cfg.Tools.MaxResultChars,
	}.WithDefaults()
}

// buildVendors returns a vendor for every provider with credentials.
// LiteLLM counts as configured once its master key is set.
func buildVendors(cfg *config.Config, log *slog.Logger) []provider.Vendor {
	client := &http.Client{Timeout: cfg.Providers.Timeout}
	p := cfg.Providers

	var vendors []provider.Vendor
	if p.Anthropic.APIKey != "" {
		vendors = append(vendors, anthropic.New(anthropic.Config{
			APIKey:     p.Anthropic.APIKey,
			BaseURL:    p.Anthropic.BaseURL,
			Tiers:      tierSpecs(p.Anthropic.Tiers),
			HTTPClient: client,
			Logger:     log,
		}))
	}
	if p.OpenAI.APIKey != "" {
		vendors = append(vendors, openai.New(openai.Config{
			APIKey:     p.OpenAI.APIKey,
			BaseURL:    p.OpenAI.BaseURL,
			Tiers:      tierSpecs(p.OpenAI.Tiers),
			HTTPClient: client,
			Logger:     log,
		}))
	}
	if p.LiteLLM.APIKey != "" {
		vendors = append(vendors, litellm.NewVendor(p.LiteLLM.BaseURL, p.LiteLLM.APIKey, tierSpecs(p.LiteLLM.Tiers), client, log))
	}
	return vendors
}

// tierSpecs converts YAML tier overrides. Unknown tier names are dropped.
func tierSpecs(in map[string]config.Tier) map[llm.Tier]llm.ModelSpec {
	if len(in) == 0 {
		return nil
	}
	out := make(map[llm.Tier]llm.ModelSpec, len(in))
	for name, t := range in {
		tier := llm.Tier(name)
		switch tier {
		case llm.TierFast, llm.TierSmart, llm.TierCreative:
			out[tier] = llm.ModelSpec{ID: t.Model, ContextWindow: t.ContextWindow}
		}
	}
	return out
}
