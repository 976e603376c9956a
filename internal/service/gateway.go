package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/cost"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/port/provider"
	"github.com/Strob0t/agentloop/internal/resilience"
)

// Gateway errors.
var (
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrNoProviders        = errors.New("no providers configured")
)

// defaultContextWindow is assumed when no vendor reports one.
const defaultContextWindow = 128000

// fallbackOrder is the global vendor order after the primary.
var fallbackOrder = []string{"anthropic", "openai", "litellm"}

// OrderVendors puts primary first, then the remaining vendors in the global
// fallback order. Vendors with other names keep their relative order at the end.
func OrderVendors(primary string, vendors []provider.Vendor) []provider.Vendor {
	rank := func(name string) int {
		if name == primary {
			return -1
		}
		if i := slices.Index(fallbackOrder, name); i >= 0 {
			return i
		}
		return len(fallbackOrder)
	}
	out := slices.Clone(vendors)
	slices.SortStableFunc(out, func(a, b provider.Vendor) int {
		return rank(a.Name()) - rank(b.Name())
	})
	return out
}

type vendorEntry struct {
	vendor  provider.Vendor
	breaker *resilience.Breaker
}

// VendorHealth describes one configured vendor.
type VendorHealth struct {
	Name    string              `json:"name"`
	Breaker resilience.State    `json:"breaker"`
	Models  map[llm.Tier]string `json:"models"`
	Windows map[llm.Tier]int    `json:"context_windows"`
}

// Gateway routes chat requests across vendors with ordered fallback and
// records one usage record per successful attempt.
type Gateway struct {
	vendors []vendorEntry
	tracker *cost.Tracker
	log     *slog.Logger
	metrics *agentotel.Metrics
}

// NewGateway creates a gateway over vendors in the given order. Each vendor
// gets its own circuit breaker.
func NewGateway(vendors []provider.Vendor, tracker *cost.Tracker, breaker config.Breaker, log *slog.Logger) *Gateway {
	if tracker == nil {
		tracker = cost.NewTracker()
	}
	if log == nil {
		log = slog.Default()
	}
	if breaker.MaxFailures < 1 {
		breaker.MaxFailures = 5
	}
	if breaker.Timeout <= 0 {
		breaker.Timeout = 30 * time.Second
	}
	entries := make([]vendorEntry, 0, len(vendors))
	for _, v := range vendors {
		b := resilience.NewBreaker(breaker.MaxFailures, breaker.Timeout).IgnoreErrors(isCancellation)
		entries = append(entries, vendorEntry{vendor: v, breaker: b})
	}
	return &Gateway{vendors: entries, tracker: tracker, log: log}
}

// SetMetrics wires provider call counters.
func (g *Gateway) SetMetrics(m *agentotel.Metrics) {
	g.metrics = m
}

// WithTracker returns a gateway over the same vendors and breakers that
// records usage into t.
func (g *Gateway) WithTracker(t *cost.Tracker) *Gateway {
	cp := *g
	cp.tracker = t
	return &cp
}

// Tracker returns the tracker usage is recorded into.
func (g *Gateway) Tracker() *cost.Tracker {
	return g.tracker
}

// ContextLimit returns the smallest context window any configured vendor
// offers for tier, so that history fits whichever vendor ends up serving it.
func (g *Gateway) ContextLimit(tier llm.Tier) int {
	limit := 0
	for _, e := range g.vendors {
		w := e.vendor.Model(tier).ContextWindow
		if w > 0 && (limit == 0 || w < limit) {
			limit = w
		}
	}
	if limit == 0 {
		return defaultContextWindow
	}
	return limit
}

// Health reports each vendor's breaker state and tier mapping.
func (g *Gateway) Health() []VendorHealth {
	out := make([]VendorHealth, 0, len(g.vendors))
	for _, e := range g.vendors {
		h := VendorHealth{
			Name:    e.vendor.Name(),
			Breaker: e.breaker.State(),
			Models:  make(map[llm.Tier]string, len(llm.Tiers)),
			Windows: make(map[llm.Tier]int, len(llm.Tiers)),
		}
		for _, tier := range llm.Tiers {
			spec := e.vendor.Model(tier)
			h.Models[tier] = spec.ID
			h.Windows[tier] = spec.ContextWindow
		}
		out = append(out, h)
	}
	return out
}

// Chat sends req to the first vendor that succeeds.
func (g *Gateway) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(g.vendors) == 0 {
		return nil, ErrNoProviders
	}
	tier := tierOrDefault(req.Tier)

	var errs []error
	for _, e := range g.vendors {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		name := e.vendor.Name()
		spec := e.vendor.Model(tier)

		start := time.Now()
		pctx, span := agentotel.StartProviderSpan(ctx, name, spec.ID, false)
		var resp *llm.ChatResponse
		err := e.breaker.Execute(func() error {
			var callErr error
			resp, callErr = e.vendor.Complete(pctx, spec.ID, req)
			return callErr
		})
		agentotel.EndSpan(span, err)
		if err != nil {
			g.attemptFailed(ctx, name, spec.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		g.record(ctx, name, spec.ID, req, resp, time.Since(start))
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}

func (g *Gateway) attemptFailed(ctx context.Context, vendor, model string, err error) {
	g.log.WarnContext(ctx, "provider attempt failed", "provider", vendor, "model", model, "error", err)
	g.metrics.ProviderCalled(ctx, vendor, model, 0, 0, err)
}

// record stamps resp with the serving vendor and appends its usage record.
// Vendors that report no usage are charged an estimate.
func (g *Gateway) record(ctx context.Context, vendor, requested string, req llm.ChatRequest, resp *llm.ChatResponse, d time.Duration) {
	model := resp.Model
	if model == "" {
		model = requested
	}
	usage := resp.Usage
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		usage.InputTokens = EstimateTokens(req.Messages)
		usage.OutputTokens = EstimateText(resp.Text)
		resp.Usage = usage
	}

	rec := cost.NewUsageRecord(vendor, model, usage.InputTokens, usage.OutputTokens, d)
	g.tracker.Add(rec)
	resp.Provider = vendor
	resp.Model = model
	resp.Record = rec

	g.metrics.ProviderCalled(ctx, vendor, model, usage.InputTokens, usage.OutputTokens, nil)
	g.log.DebugContext(ctx, "provider call",
		"provider", vendor, "model", model,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens,
		"cost_usd", rec.CostUSD, "duration_ms", d.Milliseconds())
}

func tierOrDefault(t llm.Tier) llm.Tier {
	if t == "" {
		return llm.TierSmart
	}
	return t
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
