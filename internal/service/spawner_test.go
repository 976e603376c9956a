package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/agent"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/session"
	"github.com/Strob0t/agentloop/internal/service"
)

func subagentConfig() config.Subagent {
	return config.Subagent{
		MaxConcurrent:  2,
		MaxDepth:       2,
		DefaultTimeout: time.Minute,
		MaxTurns:       5,
		PlanParallel:   2,
	}
}

func newSpawner(gw *service.Gateway, cfg config.Subagent) (*service.Spawner, *service.Registry) {
	reg := newRegistry()
	sp := service.NewSpawner(cfg, testConfig(), gw, reg, nil)
	if err := reg.Register(sp.DelegateTool()); err != nil {
		panic(err)
	}
	if err := reg.Register(sp.PlanTool()); err != nil {
		panic(err)
	}
	return sp, reg
}

func TestDelegateTaskIsolatesChildHistory(t *testing.T) {
	v := newFakeVendor("anthropic", func(req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch firstUser(req) {
		case "child task":
			return text("child done")
		case "parent task":
			if last := lastMessage(req); last.Role == message.RoleTool {
				return text("parent done: " + last.Content)
			}
			return callTool("d1", service.DelegateTaskTool, map[string]any{"task": "child task"})
		}
		return nil, errors.New("unexpected request")
	})
	gw := newGateway(v)
	cfg := subagentConfig()
	cfg.MaxDepth = 1
	_, reg := newSpawner(gw, cfg)
	loop := service.NewLoop(testConfig(), gw, reg, nil)

	res, err := loop.Run(context.Background(), "parent task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "parent done: child done" {
		t.Fatalf("final text = %q", res.FinalText)
	}
	if len(res.Session.Messages) != 5 {
		t.Errorf("parent history has %d messages, want 5", len(res.Session.Messages))
	}
	for _, m := range res.Session.Messages {
		if m.Role == message.RoleUser && m.Content == "child task" {
			t.Error("child history leaked into the parent")
		}
	}
	if got := res.Session.Tracker.CallCount(); got != 3 {
		t.Errorf("shared call count = %d, want 3", got)
	}

	var childReq llm.ChatRequest
	for _, r := range v.requests {
		if firstUser(r) == "child task" {
			childReq = r
		}
	}
	if len(childReq.Messages) != 2 {
		t.Errorf("child should start from its task only, got %d messages", len(childReq.Messages))
	}
	for _, def := range childReq.Tools {
		if def.Name == service.DelegateTaskTool {
			t.Error("child at the depth limit must not see delegation tools")
		}
	}
}

func TestSpawnWithoutParent(t *testing.T) {
	gw := newGateway(newFakeVendor("anthropic", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("ok") }))
	sp, _ := newSpawner(gw, subagentConfig())

	res, err := sp.Spawn(context.Background(), service.SpawnRequest{Task: "standalone"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !res.Success || res.Session.Depth != 1 || res.Session.ParentID != "" {
		t.Errorf("unexpected child: success=%v depth=%d parent=%q", res.Success, res.Session.Depth, res.Session.ParentID)
	}
	if gw.Tracker().CallCount() != 1 {
		t.Errorf("usage should land in the gateway tracker")
	}
}

func TestSpawnRejectsDepthBeyondLimit(t *testing.T) {
	gw := newGateway(newFakeVendor("anthropic", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("ok") }))
	sp, _ := newSpawner(gw, subagentConfig())
	parent := session.New("deep", "root", 2, nil)

	_, err := sp.Spawn(session.NewContext(context.Background(), parent), service.SpawnRequest{Task: "too deep"})
	if !errors.Is(err, service.ErrMaxDepth) {
		t.Fatalf("expected ErrMaxDepth, got %v", err)
	}
}

func TestSpawnRequiresTask(t *testing.T) {
	sp, _ := newSpawner(newGateway(), subagentConfig())
	if _, err := sp.Spawn(context.Background(), service.SpawnRequest{Task: "  "}); err == nil {
		t.Fatal("expected error for blank task")
	}
}

func TestDelegateToolReturnsFailureString(t *testing.T) {
	gw := newGateway(newFakeVendor("anthropic", failing))
	_, reg := newSpawner(gw, subagentConfig())

	rec := reg.Dispatch(context.Background(), service.DispatchRequest{
		Call: message.ToolCall{ID: "d1", Name: service.DelegateTaskTool, Arguments: map[string]any{"task": "doomed"}},
	})
	if !rec.Success {
		t.Fatalf("delegate_task should not fail the call: %+v", rec)
	}
	if !strings.HasPrefix(rec.Result, "Subagent did not complete (error)") {
		t.Errorf("result = %q", rec.Result)
	}
}

func TestDelegateToolAppliesTurnBudget(t *testing.T) {
	v := newFakeVendor("anthropic", func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return callTool("e1", "echo", map[string]any{"message": "again"})
	})
	_, reg := newSpawner(newGateway(v), subagentConfig())

	rec := reg.Dispatch(context.Background(), service.DispatchRequest{
		Call: message.ToolCall{ID: "d1", Name: service.DelegateTaskTool, Arguments: map[string]any{
			"task":      "echo forever",
			"max_turns": float64(2),
		}},
	})
	if !rec.Success {
		t.Fatalf("delegate_task failed: %+v", rec)
	}
	if !strings.HasPrefix(rec.Result, "Subagent did not complete (max_turns)") {
		t.Errorf("result = %q", rec.Result)
	}
	if v.calls() != 2 {
		t.Errorf("child model calls = %d, want 2", v.calls())
	}
}

func TestDelegateToolCannotRaiseTurnBudget(t *testing.T) {
	v := newFakeVendor("anthropic", func(llm.ChatRequest) (*llm.ChatResponse, error) {
		return callTool("e1", "echo", map[string]any{"message": "again"})
	})
	cfg := subagentConfig()
	cfg.MaxTurns = 3
	_, reg := newSpawner(newGateway(v), cfg)

	reg.Dispatch(context.Background(), service.DispatchRequest{
		Call: message.ToolCall{ID: "d1", Name: service.DelegateTaskTool, Arguments: map[string]any{
			"task":      "echo forever",
			"max_turns": float64(50),
		}},
	})
	if v.calls() != 3 {
		t.Errorf("child model calls = %d, want the configured 3", v.calls())
	}
}

func TestSpawnUsesCallerConfig(t *testing.T) {
	v := newFakeVendor("anthropic", func(llm.ChatRequest) (*llm.ChatResponse, error) { return text("ok") })
	sp, _ := newSpawner(newGateway(v), subagentConfig())

	res, err := sp.Spawn(context.Background(), service.SpawnRequest{
		Task:   "quick lookup",
		Config: &agent.Config{Tier: llm.TierFast, MaxTurns: 1},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !res.Success {
		t.Fatalf("child failed: %s", res.FinalText)
	}
	if got := v.requests[0].Tier; got != llm.TierFast {
		t.Errorf("child tier = %s, want fast", got)
	}
}

// planResponder answers every child with the first line of its task.
func planResponder(req llm.ChatRequest) (*llm.ChatResponse, error) {
	task := firstUser(req)
	if strings.HasPrefix(task, "fail") {
		return nil, errVendorDown
	}
	line, _, _ := strings.Cut(task, "\n")
	return text("did: " + line)
}

func TestRunPlanPassesDependencyResults(t *testing.T) {
	v := newFakeVendor("anthropic", planResponder)
	sp, _ := newSpawner(newGateway(v), subagentConfig())

	results, err := sp.RunPlan(context.Background(), []service.PlanTask{
		{ID: "c", Task: "task c", DependsOn: []string{"a", "b"}},
		{ID: "a", Task: "task a"},
		{ID: "b", Task: "task b", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if len(results) != 3 || results[0].ID != "c" || results[1].ID != "a" {
		t.Fatalf("results should follow plan order: %+v", results)
	}
	for _, r := range results {
		if !r.Success || r.Result != "did: task "+r.ID {
			t.Errorf("unexpected result %+v", r)
		}
	}

	var prompt string
	for _, r := range v.requests {
		if strings.HasPrefix(firstUser(r), "task c") {
			prompt = firstUser(r)
		}
	}
	if !strings.Contains(prompt, "- a: did: task a") || !strings.Contains(prompt, "- b: did: task b") {
		t.Errorf("prompt for c lacks dependency results: %q", prompt)
	}
}

func TestRunPlanSkipsDependentsOfFailedTask(t *testing.T) {
	sp, _ := newSpawner(newGateway(newFakeVendor("anthropic", planResponder)), subagentConfig())

	results, err := sp.RunPlan(context.Background(), []service.PlanTask{
		{ID: "a", Task: "fail hard"},
		{ID: "b", Task: "task b", DependsOn: []string{"a"}},
		{ID: "c", Task: "task c"},
	})
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if results[0].Success || results[0].Reason != "error" {
		t.Errorf("a should fail: %+v", results[0])
	}
	if results[1].Reason != "skipped" {
		t.Errorf("b should be skipped: %+v", results[1])
	}
	if !results[2].Success {
		t.Errorf("c is independent and should succeed: %+v", results[2])
	}
}

func TestPlanToolRejectsCycle(t *testing.T) {
	sp, _ := newSpawner(newGateway(newFakeVendor("anthropic", planResponder)), subagentConfig())
	_, err := sp.PlanTool().Handler.Execute(context.Background(), map[string]any{
		"tasks": []any{
			map[string]any{"id": "a", "task": "x", "depends_on": []any{"b"}},
			map[string]any{"id": "b", "task": "y", "depends_on": []any{"a"}},
		},
	})
	if !errors.Is(err, service.ErrPlanCycle) {
		t.Fatalf("expected ErrPlanCycle, got %v", err)
	}
}

func TestSpawnerBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	var mu sync.Mutex
	v := newFakeVendor("anthropic", func(llm.ChatRequest) (*llm.ChatResponse, error) {
		n := running.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return text("ok")
	})
	cfg := subagentConfig()
	cfg.MaxConcurrent = 1
	cfg.PlanParallel = 3
	sp, _ := newSpawner(newGateway(v), cfg)

	_, err := sp.RunPlan(context.Background(), []service.PlanTask{
		{ID: "a", Task: "a"}, {ID: "b", Task: "b"}, {ID: "c", Task: "c"},
	})
	if err != nil {
		t.Fatalf("RunPlan: %v", err)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}
