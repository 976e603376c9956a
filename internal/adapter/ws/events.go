package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/service"
)

// Client message types.
const (
	TypeRun         = "run"         // payload: RunPayload
	TypeSubscribe   = "subscribe"   // payload: SubscribePayload
	TypeUnsubscribe = "unsubscribe" // payload: SubscribePayload
)

// Server message types.
const (
	TypeRunStarted = "run_started" // payload: RunStartedPayload
	TypeRunEvent   = "run_event"   // payload: stream.Event
	TypeError      = "error"       // payload: ErrorPayload
)

// RunPayload asks the server to stream a new run over this connection.
type RunPayload struct {
	Task           string   `json:"task"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	CostLimitUSD   float64  `json:"cost_limit_usd,omitempty"`
	Tier           string   `json:"tier,omitempty"`
}

func (p RunPayload) request() service.RunRequest {
	return service.RunRequest{
		Task:         p.Task,
		SystemPrompt: p.SystemPrompt,
		AllowedTools: p.AllowedTools,
		MaxTurns:     p.MaxTurns,
		Timeout:      time.Duration(p.TimeoutSeconds) * time.Second,
		CostLimitUSD: p.CostLimitUSD,
		Tier:         llm.Tier(p.Tier),
		Stream:       true,
	}
}

// SubscribePayload selects the session whose events a connection observes.
type SubscribePayload struct {
	SessionID string `json:"session_id"`
}

// RunStartedPayload tells the client which session its run got.
type RunStartedPayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload reports a rejected client message.
type ErrorPayload struct {
	Error string `json:"error"`
}

// encode marshals a typed payload into a wire frame.
func encode(msgType string, payload any) ([]byte, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws payload", "type", msgType, "error", err)
		return nil, false
	}
	return frame(Message{Type: msgType, Payload: data})
}

func frame(msg Message) ([]byte, bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal ws message", "type", msg.Type, "error", err)
		return nil, false
	}
	return data, true
}

// BroadcastEvent marshals a typed payload and broadcasts it to every connection.
func (h *Hub) BroadcastEvent(ctx context.Context, msgType string, payload any) {
	if data, ok := encode(msgType, payload); ok {
		h.fanOut(ctx, data, nil)
	}
}
