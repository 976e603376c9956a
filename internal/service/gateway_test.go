package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/cost"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/port/provider"
	"github.com/Strob0t/agentloop/internal/resilience"
	"github.com/Strob0t/agentloop/internal/service"
)

func chatReq() llm.ChatRequest {
	return llm.ChatRequest{Tier: llm.TierSmart, Messages: []message.Message{message.User("hi")}}
}

func TestGatewayFallbackRecordsOneUsage(t *testing.T) {
	primary := newFakeVendor("anthropic", failing)
	secondary := newFakeVendor("openai", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("hello") })
	tertiary := newFakeVendor("litellm", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("unused") })
	tracker := cost.NewTracker()
	gw := service.NewGateway([]provider.Vendor{primary, secondary, tertiary}, tracker, config.Breaker{MaxFailures: 5, Timeout: time.Minute}, nil)

	resp, err := gw.Chat(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "hello" || resp.Provider != "openai" {
		t.Errorf("unexpected response: %+v", resp)
	}
	recs := tracker.Records()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	if recs[0].Provider != "openai" || recs[0].Model != "test-model" {
		t.Errorf("record tagged %s/%s", recs[0].Provider, recs[0].Model)
	}
	if primary.calls() != 1 || secondary.calls() != 1 || tertiary.calls() != 0 {
		t.Errorf("calls = %d/%d/%d, want 1/1/0", primary.calls(), secondary.calls(), tertiary.calls())
	}
}

func TestGatewayAllVendorsFail(t *testing.T) {
	gw := newGateway(newFakeVendor("anthropic", failing), newFakeVendor("openai", failing))

	_, err := gw.Chat(context.Background(), chatReq())
	if !errors.Is(err, service.ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if !errors.Is(err, errVendorDown) {
		t.Errorf("attempt errors should be joined, got %v", err)
	}
	if gw.Tracker().CallCount() != 0 {
		t.Errorf("failed attempts must not be recorded")
	}
}

func TestGatewayNoVendors(t *testing.T) {
	gw := newGateway()
	if _, err := gw.Chat(context.Background(), chatReq()); !errors.Is(err, service.ErrNoProviders) {
		t.Fatalf("expected ErrNoProviders, got %v", err)
	}
}

func TestGatewayBreakerSkipsFailingVendor(t *testing.T) {
	primary := newFakeVendor("anthropic", failing)
	secondary := newFakeVendor("openai", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("ok") })
	gw := service.NewGateway([]provider.Vendor{primary, secondary}, nil, config.Breaker{MaxFailures: 1, Timeout: time.Hour}, nil)

	for i := 0; i < 3; i++ {
		if _, err := gw.Chat(context.Background(), chatReq()); err != nil {
			t.Fatalf("Chat %d: %v", i, err)
		}
	}
	if primary.calls() != 1 {
		t.Errorf("open breaker should skip the primary, got %d calls", primary.calls())
	}
	health := gw.Health()
	if health[0].Breaker != resilience.StateOpen || health[1].Breaker != resilience.StateClosed {
		t.Errorf("unexpected breaker states: %+v", health)
	}
}

func TestGatewayEstimatesMissingUsage(t *testing.T) {
	v := newFakeVendor("openai", func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Text: "twelve chars"}, nil
	})
	gw := newGateway(v)

	resp, err := gw.Chat(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Usage.InputTokens == 0 || resp.Usage.OutputTokens != 3 {
		t.Errorf("expected estimated usage, got %+v", resp.Usage)
	}
	if resp.Record.InputTokens != resp.Usage.InputTokens {
		t.Errorf("record does not carry the estimate: %+v", resp.Record)
	}
}

func TestGatewayWithTrackerSharesVendors(t *testing.T) {
	v := newFakeVendor("openai", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("ok") })
	gw := newGateway(v)
	shared := cost.NewTracker()
	child := gw.WithTracker(shared)

	if _, err := child.Chat(context.Background(), chatReq()); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if shared.CallCount() != 1 || gw.Tracker().CallCount() != 0 {
		t.Errorf("usage went to the wrong tracker: shared=%d base=%d", shared.CallCount(), gw.Tracker().CallCount())
	}
}

func TestGatewayContextLimitIsSmallestWindow(t *testing.T) {
	a := newFakeVendor("anthropic", failing)
	a.window = 200000
	o := newFakeVendor("openai", failing)
	o.window = 128000
	gw := newGateway(a, o)
	if got := gw.ContextLimit(llm.TierSmart); got != 128000 {
		t.Errorf("ContextLimit = %d, want 128000", got)
	}
	if got := newGateway().ContextLimit(llm.TierSmart); got != 128000 {
		t.Errorf("default ContextLimit = %d", got)
	}
}

func TestOrderVendors(t *testing.T) {
	vendors := []provider.Vendor{
		newFakeVendor("custom", failing),
		newFakeVendor("litellm", failing),
		newFakeVendor("anthropic", failing),
		newFakeVendor("openai", failing),
	}
	ordered := service.OrderVendors("openai", vendors)
	var names []string
	for _, v := range ordered {
		names = append(names, v.Name())
	}
	want := []string{"openai", "anthropic", "litellm", "custom"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestGatewayStreamFallsBackBeforeFirstChunk(t *testing.T) {
	primary := newFakeVendor("anthropic", failing)
	secondary := newFakeVendor("openai", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("streamed reply") })
	gw := newGateway(primary, secondary)

	var chunks []llm.Chunk
	resp, err := gw.ChatStream(context.Background(), chatReq(), func(c llm.Chunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Provider != "openai" || resp.Text != "streamed reply" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %d, want 2", len(chunks))
	}
	if gw.Tracker().CallCount() != 1 {
		t.Errorf("usage records = %d, want 1", gw.Tracker().CallCount())
	}
}

func TestGatewayStreamDoesNotFallBackAfterFirstChunk(t *testing.T) {
	primary := newFakeVendor("anthropic", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("partial reply here") })
	primary.streamFailAfter = 1
	secondary := newFakeVendor("openai", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("never") })
	gw := newGateway(primary, secondary)

	emitted := 0
	_, err := gw.ChatStream(context.Background(), chatReq(), func(llm.Chunk) { emitted++ })
	if !errors.Is(err, service.ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if emitted != 1 {
		t.Errorf("emitted = %d, want 1", emitted)
	}
	if secondary.calls() != 0 {
		t.Error("secondary must not be tried once chunks were emitted")
	}
	if gw.Tracker().CallCount() != 0 {
		t.Error("interrupted stream must not be recorded")
	}
}
