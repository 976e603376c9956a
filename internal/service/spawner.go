package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/agent"
	"github.com/Strob0t/agentloop/internal/domain/session"
	"github.com/Strob0t/agentloop/internal/domain/tool"
)

// Delegation tool names.
const (
	DelegateTaskTool = "delegate_task"
	DelegatePlanTool = "delegate_plan"
)

// ErrMaxDepth is returned when a child would exceed the nesting limit.
var ErrMaxDepth = errors.New("maximum delegation depth reached")

// SpawnRequest describes one child execution.
type SpawnRequest struct {
	Name         string
	Task         string
	SystemPrompt string
	// AllowedTools restricts the child's catalog; nil inherits every tool.
	AllowedTools []string
	// Config overrides the inherited loop settings. Zero fields keep the
	// inherited value.
	Config *agent.Config
	// Timeout caps the child run; the effective timeout is the smaller of
	// this and the config timeout. Zero uses the config timeout.
	Timeout time.Duration
}

// Spawner runs isolated child loops on behalf of a parent session. Children
// get a fresh session seeded only with their task and share the parent's
// usage tracker.
type Spawner struct {
	cfg       config.Subagent
	base      agent.Config
	gateway   *Gateway
	registry  *Registry
	compactor *Compactor
	sink      EventSink
	metrics   *agentotel.Metrics
	log       *slog.Logger

	// One semaphore per depth, so a parent holding a slot never waits on
	// a slot at its own level.
	semMu sync.Mutex
	sems  map[int]*semaphore.Weighted
}

// NewSpawner creates a spawner. base supplies loop settings (tier,
// compaction, retries) that children inherit.
func NewSpawner(cfg config.Subagent, base agent.Config, gw *Gateway, reg *Registry, log *slog.Logger) *Spawner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxDepth < 1 {
		cfg.MaxDepth = 1
	}
	if cfg.PlanParallel < 1 {
		cfg.PlanParallel = 1
	}
	return &Spawner{
		cfg:      cfg,
		base:     base,
		gateway:  gw,
		registry: reg,
		log:      log,
		sems:     make(map[int]*semaphore.Weighted),
	}
}

// SetCompactor enables compaction in child loops.
func (sp *Spawner) SetCompactor(c *Compactor) { sp.compactor = c }

// SetEventSink forwards child events to sink.
func (sp *Spawner) SetEventSink(sink EventSink) { sp.sink = sink }

// SetMetrics wires run counters for child loops.
func (sp *Spawner) SetMetrics(m *agentotel.Metrics) { sp.metrics = m }

func (sp *Spawner) semaphore(depth int) *semaphore.Weighted {
	sp.semMu.Lock()
	defer sp.semMu.Unlock()
	s, ok := sp.sems[depth]
	if !ok {
		s = semaphore.NewWeighted(int64(sp.cfg.MaxConcurrent))
		sp.sems[depth] = s
	}
	return s
}

// Spawn runs a child loop to completion. The parent is taken from ctx
// (set during tool dispatch); without one the child runs at depth 1 and
// records into the spawner's gateway tracker.
func (sp *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*session.RunResult, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, errors.New("spawn: task is required")
	}

	gw := sp.gateway
	parentID, depth := "", 1
	if parent, ok := session.FromContext(ctx); ok {
		parentID = parent.ID
		depth = parent.Depth + 1
		gw = sp.gateway.WithTracker(parent.Tracker)
	}
	if depth > sp.cfg.MaxDepth {
		return nil, fmt.Errorf("spawn: %w (%d)", ErrMaxDepth, sp.cfg.MaxDepth)
	}

	sem := sp.semaphore(depth)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("spawn: wait for slot: %w", err)
	}
	defer sem.Release(1)

	cfg := sp.childConfig(req, depth)
	loop := NewLoop(cfg, gw, sp.registry, sp.log)
	loop.SetParent(parentID, depth)
	loop.SetCompactor(sp.compactor)
	loop.SetEventSink(sp.sink)
	loop.SetMetrics(sp.metrics)

	sp.log.InfoContext(ctx, "spawning subagent",
		"parent_id", parentID, "child_id", loop.Session().ID, "depth", depth, "timeout", cfg.Timeout)
	res, err := loop.Run(ctx, req.Task)
	if err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	return res, nil
}

func (sp *Spawner) childConfig(req SpawnRequest, depth int) agent.Config {
	cfg := sp.base
	cfg.Name = "subagent"
	cfg.Stream = false
	cfg.Hooks = agent.Hooks{}
	cfg.AllowedTools = nil
	if sp.cfg.MaxTurns > 0 {
		cfg.MaxTurns = sp.cfg.MaxTurns
	}
	if sp.cfg.DefaultTimeout > 0 {
		cfg.Timeout = sp.cfg.DefaultTimeout
	}
	if req.Config != nil {
		cfg = overlayConfig(cfg, *req.Config)
	}

	if req.Name != "" {
		cfg.Name = req.Name
	}
	if req.SystemPrompt != "" {
		cfg.SystemPrompt = req.SystemPrompt
	}
	if req.Timeout > 0 && (cfg.Timeout <= 0 || req.Timeout < cfg.Timeout) {
		cfg.Timeout = req.Timeout
	}

	if req.AllowedTools != nil {
		cfg.AllowedTools = req.AllowedTools
	}
	if depth >= sp.cfg.MaxDepth {
		cfg.AllowedTools = sp.withoutDelegation(cfg.AllowedTools)
	}
	return cfg
}

// overlayConfig returns base with the non-zero settings of over applied.
func overlayConfig(base, over agent.Config) agent.Config {
	if over.Name != "" {
		base.Name = over.Name
	}
	if over.SystemPrompt != "" {
		base.SystemPrompt = over.SystemPrompt
	}
	if over.MaxTurns > 0 {
		base.MaxTurns = over.MaxTurns
	}
	if over.Timeout > 0 {
		base.Timeout = over.Timeout
	}
	if over.CostLimitUSD > 0 {
		base.CostLimitUSD = over.CostLimitUSD
	}
	if over.Tier != "" {
		base.Tier = over.Tier
	}
	if over.Temperature > 0 {
		base.Temperature = over.Temperature
	}
	if over.MaxOutputTokens > 0 {
		base.MaxOutputTokens = over.MaxOutputTokens
	}
	if over.MaxResultChars > 0 {
		base.MaxResultChars = over.MaxResultChars
	}
	if over.AllowedTools != nil {
		base.AllowedTools = over.AllowedTools
	}
	base.Hooks = over.Hooks
	return base
}

// withoutDelegation drops delegation tools from allowed. A nil list stands
// for every registered tool.
func (sp *Spawner) withoutDelegation(allowed []string) []string {
	if allowed == nil {
		allowed = sp.registry.Names()
	}
	out := make([]string, 0, len(allowed))
	for _, name := range allowed {
		if def, ok := sp.registry.Get(name); ok && def.Category == tool.CategoryDelegation {
			continue
		}
		out = append(out, name)
	}
	return out
}

// DelegateTool returns the delegate_task tool definition.
func (sp *Spawner) DelegateTool() tool.Definition {
	return tool.Definition{
		Name: DelegateTaskTool,
		Description: "Delegate a self-contained task to a subagent with a fresh context. " +
			"Returns the subagent's final answer.",
		Category: tool.CategoryDelegation,
		Parameters: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"task":            {Type: "string", Description: "Complete description of the task"},
				"system_prompt":   {Type: "string", Description: "Optional instructions for the subagent"},
				"allowed_tools":   {Type: "array", Description: "Tools the subagent may use", Items: &tool.Property{Type: "string"}},
				"timeout_seconds": {Type: "integer", Description: "Upper bound on the subagent's run time"},
				"max_turns":       {Type: "integer", Description: "Upper bound on the subagent's model turns"},
				"cost_limit_usd":  {Type: "number", Description: "Upper bound on the subagent's spend in USD"},
			},
			Required: []string{"task"},
		},
		Handler: tool.HandlerFunc(sp.handleDelegate),
	}
}

func (sp *Spawner) handleDelegate(ctx context.Context, args map[string]any) (any, error) {
	req := SpawnRequest{
		Task:         stringArg(args, "task"),
		SystemPrompt: stringArg(args, "system_prompt"),
		AllowedTools: stringsArg(args, "allowed_tools"),
	}
	if secs, ok := numberArg(args, "timeout_seconds"); ok && secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}
	var over agent.Config
	if n, ok := numberArg(args, "max_turns"); ok && n >= 1 {
		over.MaxTurns = int(n)
		// A model may lower the turn budget but never raise it.
		if limit := sp.cfg.MaxTurns; limit > 0 && over.MaxTurns > limit {
			over.MaxTurns = limit
		}
	}
	if usd, ok := numberArg(args, "cost_limit_usd"); ok && usd > 0 {
		over.CostLimitUSD = usd
	}
	if over.MaxTurns > 0 || over.CostLimitUSD > 0 {
		req.Config = &over
	}
	res, err := sp.Spawn(ctx, req)
	return describeChild(res, err), nil
}

// describeChild renders a child outcome as tool output for the parent.
func describeChild(res *session.RunResult, err error) string {
	if err != nil {
		return fmt.Sprintf("Subagent failed: %v", err)
	}
	if !res.Success {
		text := res.FinalText
		if text == "" {
			text = "no answer was produced"
		}
		return fmt.Sprintf("Subagent did not complete (%s): %s", res.Reason, text)
	}
	return res.FinalText
}

// PlanResult is the outcome of one task of a delegated plan.
type PlanResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Result  string `json:"result"`
}

// PlanTool returns the delegate_plan tool definition.
func (sp *Spawner) PlanTool() tool.Definition {
	return tool.Definition{
		Name: DelegatePlanTool,
		Description: "Run a plan of subagent tasks. Tasks may depend on other tasks by id; " +
			"independent tasks run in parallel and each task sees the results of its dependencies.",
		Category: tool.CategoryDelegation,
		Parameters: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"tasks": {
					Type:        "array",
					Description: `List of {"id", "task", "depends_on": [ids], "allowed_tools": [names]}`,
					Items:       &tool.Property{Type: "object"},
				},
			},
			Required: []string{"tasks"},
		},
		Handler: tool.HandlerFunc(sp.handlePlan),
	}
}

func (sp *Spawner) handlePlan(ctx context.Context, args map[string]any) (any, error) {
	raw, err := json.Marshal(args["tasks"])
	if err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	var tasks []PlanTask
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	results, err := sp.RunPlan(ctx, tasks)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": results}, nil
}

// RunPlan validates tasks and runs them level by level with bounded
// parallelism. A task whose dependency failed is skipped.
func (sp *Spawner) RunPlan(ctx context.Context, tasks []PlanTask) ([]PlanResult, error) {
	levels, err := ValidatePlan(tasks)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]PlanTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var mu sync.Mutex
	done := make(map[string]PlanResult, len(tasks))

	for _, level := range levels {
		var g errgroup.Group
		g.SetLimit(sp.cfg.PlanParallel)
		for _, id := range level {
			t := byID[id]

			mu.Lock()
			prompt, failedDep := planPrompt(t, done)
			mu.Unlock()

			g.Go(func() error {
				var pr PlanResult
				if failedDep != "" {
					pr = PlanResult{ID: t.ID, Reason: "skipped", Result: fmt.Sprintf("dependency %q failed", failedDep)}
				} else {
					res, err := sp.Spawn(ctx, SpawnRequest{Name: "plan:" + t.ID, Task: prompt, AllowedTools: t.AllowedTools})
					pr = PlanResult{ID: t.ID, Result: describeChild(res, err)}
					if err != nil {
						pr.Reason = string(session.StatusError)
					} else {
						pr.Success = res.Success
						pr.Reason = string(res.Reason)
					}
				}
				mu.Lock()
				done[t.ID] = pr
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	out := make([]PlanResult, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, done[t.ID])
	}
	return out, nil
}

// planPrompt appends dependency results to the task. It returns the id of a
// failed dependency instead when there is one.
func planPrompt(t PlanTask, done map[string]PlanResult) (string, string) {
	if len(t.DependsOn) == 0 {
		return t.Task, ""
	}
	deps := slices.Clone(t.DependsOn)
	slices.Sort(deps)
	deps = slices.Compact(deps)

	var b strings.Builder
	b.WriteString(t.Task)
	b.WriteString("\n\nResults of prerequisite tasks:")
	for _, dep := range deps {
		r := done[dep]
		if !r.Success {
			return "", dep
		}
		fmt.Fprintf(&b, "\n- %s: %s", dep, r.Result)
	}
	return b.String(), ""
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// numberArg reads a JSON number, accepting the integer types in-process
// callers pass.
func numberArg(args map[string]any, key string) (float64, bool) {
	switch n := args[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringsArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
