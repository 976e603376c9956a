package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentloop"

// Metrics holds all agentloop metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RunsStarted   metric.Int64Counter
	RunsFinished  metric.Int64Counter
	Turns         metric.Int64Counter
	ToolCalls     metric.Int64Counter
	ProviderCalls metric.Int64Counter
	Tokens        metric.Int64Counter
	Compactions   metric.Int64Counter
	RunDuration   metric.Float64Histogram
	RunCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("agentloop.runs.started",
		metric.WithDescription("Number of agent runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("agentloop.runs.finished",
		metric.WithDescription("Number of agent runs finished, by termination reason"))
	if err != nil {
		return nil, err
	}

	m.Turns, err = meter.Int64Counter("agentloop.turns",
		metric.WithDescription("Number of provider round-trips made by agent loops"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("agentloop.toolcalls",
		metric.WithDescription("Number of tool calls dispatched"))
	if err != nil {
		return nil, err
	}

	m.ProviderCalls, err = meter.Int64Counter("agentloop.provider.calls",
		metric.WithDescription("Number of vendor attempts, by outcome"))
	if err != nil {
		return nil, err
	}

	m.Tokens, err = meter.Int64Counter("agentloop.provider.tokens",
		metric.WithDescription("Tokens consumed, by direction"))
	if err != nil {
		return nil, err
	}

	m.Compactions, err = meter.Int64Counter("agentloop.compactions",
		metric.WithDescription("Number of history compactions, by outcome"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentloop.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.RunCost, err = meter.Float64Histogram("agentloop.run.cost_usd",
		metric.WithDescription("Run cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted counts a started run.
func (m *Metrics) RunStarted(ctx context.Context, agentName string) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentName)))
}

// RunFinished records the outcome, duration and own spend of a run.
func (m *Metrics) RunFinished(ctx context.Context, agentName, reason string, d time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("agent", agentName), attribute.String("reason", reason))
	m.RunsFinished.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, d.Seconds(), attrs)
	m.RunCost.Record(ctx, costUSD, attrs)
}

// TurnStarted counts a provider round-trip.
func (m *Metrics) TurnStarted(ctx context.Context, agentName string) {
	if m == nil {
		return
	}
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentName)))
}

// ToolCalled counts a dispatched tool call.
func (m *Metrics) ToolCalled(ctx context.Context, tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	))
}

// ProviderCalled counts a vendor attempt and, on success, its tokens.
func (m *Metrics) ProviderCalled(ctx context.Context, vendor, model string, in, out int, err error) {
	if m == nil {
		return
	}
	m.ProviderCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("model", model),
		attribute.Bool("success", err == nil),
	))
	if err != nil {
		return
	}
	m.Tokens.Add(ctx, int64(in), metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "input")))
	m.Tokens.Add(ctx, int64(out), metric.WithAttributes(attribute.String("model", model), attribute.String("direction", "output")))
}

// Compacted counts a compaction pass; summarized is false for the
// truncation fallback.
func (m *Metrics) Compacted(ctx context.Context, summarized bool) {
	if m == nil {
		return
	}
	m.Compactions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("summarized", summarized)))
}
