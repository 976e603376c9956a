package mcp

import (
	"context"
	"encoding/json"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/tool"
	"github.com/Strob0t/agentloop/internal/service"
)

const (
	runAgentTool     = "run_agent"
	validatePlanTool = "validate_plan"
)

// registerTools exposes every registry tool except delegation, which only
// makes sense inside a run, plus run_agent and validate_plan.
func (s *Server) registerTools() {
	var tools []mcpserver.ServerTool
	for _, def := range s.runtime.Registry().Definitions(nil) {
		if def.Category == tool.CategoryDelegation {
			continue
		}
		tools = append(tools, s.registryTool(def))
	}
	tools = append(tools, s.runAgentTool(), s.validatePlanTool())
	s.mcpServer.AddTools(tools...)
}

func (s *Server) registryTool(def tool.Definition) mcpserver.ServerTool {
	return mcpserver.ServerTool{
		Tool: mcplib.NewToolWithRawSchema(def.Name, def.Description, def.Parameters.JSON()),
		Handler: func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
			rec := s.runtime.Registry().Dispatch(ctx, service.DispatchRequest{
				Call: message.ToolCall{ID: "mcp_" + def.Name, Name: def.Name, Arguments: req.GetArguments()},
			})
			if !rec.Success {
				return mcplib.NewToolResultError(rec.Error), nil
			}
			return mcplib.NewToolResultText(rec.Result), nil
		},
	}
}

func (s *Server) runAgentTool() mcpserver.ServerTool {
	t := mcplib.NewTool(runAgentTool,
		mcplib.WithDescription("Run an agent on a task and return its final answer with usage"),
		mcplib.WithString("task", mcplib.Required(), mcplib.Description("The task for the agent")),
		mcplib.WithString("system_prompt", mcplib.Description("Overrides the default system prompt")),
		mcplib.WithString("tier", mcplib.Description("Model tier"), mcplib.Enum("fast", "smart", "creative")),
		mcplib.WithNumber("max_turns", mcplib.Description("Maximum provider round-trips")),
		mcplib.WithNumber("timeout_seconds", mcplib.Description("Wall-clock limit for the run")),
		mcplib.WithArray("allowed_tools", mcplib.Description("Tool names the agent may call"), mcplib.WithStringItems()),
	)
	return mcpserver.ServerTool{Tool: t, Handler: s.handleRunAgent}
}

type runAgentResult struct {
	SessionID    string   `json:"session_id"`
	Reason       string   `json:"reason"`
	Success      bool     `json:"success"`
	FinalText    string   `json:"final_text"`
	TurnsUsed    int      `json:"turns_used"`
	ToolsCalled  []string `json:"tools_called"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	CallCount    int      `json:"call_count"`
}

func (s *Server) handleRunAgent(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	task, _ := args["task"].(string)
	if task == "" {
		return mcplib.NewToolResultError("task is required"), nil
	}
	tier, _ := args["tier"].(string)
	if _, err := llm.ParseTier(tier); err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	prompt, _ := args["system_prompt"].(string)

	run := service.RunRequest{
		Task:         task,
		SystemPrompt: prompt,
		Tier:         llm.Tier(tier),
		MaxTurns:     intArg(args, "max_turns"),
		Timeout:      time.Duration(intArg(args, "timeout_seconds")) * time.Second,
	}
	if raw, ok := args["allowed_tools"].([]any); ok {
		run.AllowedTools = make([]string, 0, len(raw))
		for _, v := range raw {
			if name, ok := v.(string); ok {
				run.AllowedTools = append(run.AllowedTools, name)
			}
		}
	}

	res, err := s.runtime.Run(ctx, run)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("run failed", err), nil
	}
	p := service.CompletePayload("", res)
	data, err := json.Marshal(runAgentResult{
		SessionID:    p.SessionID,
		Reason:       p.Reason,
		Success:      p.Success,
		FinalText:    p.FinalText,
		TurnsUsed:    p.TurnsUsed,
		ToolsCalled:  p.ToolsCalled,
		TotalCostUSD: p.TotalCostUSD,
		CallCount:    p.CallCount,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return toolResultJSON(data), nil
}

func (s *Server) validatePlanTool() mcpserver.ServerTool {
	t := mcplib.NewTool(validatePlanTool,
		mcplib.WithDescription("Check a task plan for unknown dependencies and cycles and return its execution levels"),
		mcplib.WithArray("tasks", mcplib.Required(), mcplib.Description("Tasks with id, task and depends_on")),
	)
	return mcpserver.ServerTool{Tool: t, Handler: s.handleValidatePlan}
}

func (s *Server) handleValidatePlan(_ context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	raw, err := json.Marshal(req.GetArguments()["tasks"])
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid tasks", err), nil
	}
	var tasks []service.PlanTask
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid tasks", err), nil
	}
	levels, err := service.ValidatePlan(tasks)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	data, err := json.Marshal(map[string]any{"levels": levels})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal levels", err), nil
	}
	return toolResultJSON(data), nil
}

// intArg reads a numeric argument; JSON numbers arrive as float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

