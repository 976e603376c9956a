package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/agentloop/internal/domain/cost"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/session"
	"github.com/Strob0t/agentloop/internal/domain/tool"
	"github.com/Strob0t/agentloop/internal/logger"
	"github.com/Strob0t/agentloop/internal/port/messagequeue"
	"github.com/Strob0t/agentloop/internal/resilience"
	"github.com/Strob0t/agentloop/internal/service"
)

// Handlers holds the services the API exposes. Queue is optional; without it
// runs cannot be enqueued for a worker.
type Handlers struct {
	Runtime *service.RuntimeService
	Queue   messagequeue.Queue
}

type runRequest struct {
	Task           string   `json:"task"`
	Name           string   `json:"name,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	CostLimitUSD   float64  `json:"cost_limit_usd,omitempty"`
	Tier           string   `json:"tier,omitempty"`
	Stream         bool     `json:"stream,omitempty"`
}

// validate rejects requests that could never start a run.
func (req runRequest) validate() error {
	if strings.TrimSpace(req.Task) == "" {
		return errors.New("task is required")
	}
	if req.Tier != "" {
		if _, err := llm.ParseTier(req.Tier); err != nil {
			return err
		}
	}
	if req.MaxTurns < 0 || req.TimeoutSeconds < 0 || req.CostLimitUSD < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

func (req runRequest) toService() service.RunRequest {
	return service.RunRequest{
		Task:         req.Task,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
		AllowedTools: req.AllowedTools,
		MaxTurns:     req.MaxTurns,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
		CostLimitUSD: req.CostLimitUSD,
		Tier:         llm.Tier(req.Tier),
		Stream:       req.Stream,
	}
}

type runResponse struct {
	SessionID   string                 `json:"session_id"`
	Reason      session.Status         `json:"reason"`
	Success     bool                   `json:"success"`
	FinalText   string                 `json:"final_text"`
	Payload     map[string]any         `json:"payload,omitempty"`
	TurnsUsed   int                    `json:"turns_used"`
	ToolsCalled []string               `json:"tools_called"`
	Usage       cost.Summary           `json:"usage"`
	ByModel     []cost.ModelSummary    `json:"by_model"`
	ToolLog     []tool.ExecutionRecord `json:"tool_log"`
}

func newRunResponse(res *session.RunResult) runResponse {
	out := runResponse{
		Reason:      res.Reason,
		Success:     res.Success,
		FinalText:   res.FinalText,
		Payload:     res.Payload,
		TurnsUsed:   res.TurnsUsed(),
		ToolsCalled: res.ToolsCalled(),
	}
	if s := res.Session; s != nil {
		snap := s.Snapshot()
		out.SessionID = snap.ID
		out.Usage = snap.Usage
		out.ToolLog = snap.ToolLog
		out.ByModel = s.Tracker.ByModel()
	}
	if out.ToolsCalled == nil {
		out.ToolsCalled = []string{}
	}
	return out
}

// CreateRun handles POST /api/v1/runs. The run executes within the request;
// with "stream": true or an event-stream Accept header the events are sent
// as server-sent events instead of one JSON result.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[runRequest](w, r)
	if !ok {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		req.Stream = true
		h.streamRun(w, r, req.toService())
		return
	}

	res, err := h.Runtime.Run(r.Context(), req.toService())
	if err != nil {
		// Run only fails before the loop starts, on an unusable configuration.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(res))
}

type enqueueResponse struct {
	RequestID       string `json:"request_id"`
	CompleteSubject string `json:"complete_subject"`
}

// EnqueueRun handles POST /api/v1/runs/async by handing the run to a worker.
func (h *Handlers) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	if h.Queue == nil || !h.Queue.IsConnected() {
		writeError(w, http.StatusServiceUnavailable, "run queue is not available")
		return
	}
	req, ok := readJSON[runRequest](w, r)
	if !ok {
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := messagequeue.RunStartPayload{
		RequestID:      logger.RequestID(r.Context()),
		Task:           req.Task,
		SystemPrompt:   req.SystemPrompt,
		AllowedTools:   req.AllowedTools,
		Tier:           req.Tier,
		MaxTurns:       req.MaxTurns,
		TimeoutSeconds: req.TimeoutSeconds,
		CostLimitUSD:   req.CostLimitUSD,
		Stream:         req.Stream,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if err := h.Queue.Publish(r.Context(), messagequeue.SubjectRunStart, data); err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{
		RequestID:       payload.RequestID,
		CompleteSubject: messagequeue.SubjectRunComplete,
	})
}

// ListTools handles GET /api/v1/tools.
func (h *Handlers) ListTools(w http.ResponseWriter, _ *http.Request) {
	defs := h.Runtime.Registry().Definitions(nil)
	if defs == nil {
		defs = []tool.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

// ListProviders handles GET /api/v1/providers.
func (h *Handlers) ListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Runtime.Gateway().Health())
}

type planRequest struct {
	Tasks []service.PlanTask `json:"tasks"`
}

type planResponse struct {
	Levels [][]string `json:"levels"`
}

// ValidatePlan handles POST /api/v1/plans/validate.
func (h *Handlers) ValidatePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[planRequest](w, r)
	if !ok {
		return
	}
	levels, err := service.ValidatePlan(req.Tasks)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, planResponse{Levels: levels})
}

type healthStatus struct {
	Status    string                 `json:"status"`
	Providers []service.VendorHealth `json:"providers"`
	Queue     string                 `json:"queue,omitempty"`
}

// Health handles GET /health. The service is degraded when every vendor
// breaker is open.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	providers := h.Runtime.Gateway().Health()
	status := healthStatus{Status: "ok", Providers: providers}

	open := 0
	for _, p := range providers {
		if p.Breaker == resilience.StateOpen {
			open++
		}
	}
	code := http.StatusOK
	if len(providers) == 0 || open == len(providers) {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if h.Queue != nil {
		status.Queue = "disconnected"
		if h.Queue.IsConnected() {
			status.Queue = "connected"
		}
	}
	writeJSON(w, code, status)
}
