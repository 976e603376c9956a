package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
)

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []wireMsg `json:"messages"`
	Tools       []tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type wireMsg struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type response struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// buildRequest converts a vendor-neutral request. System messages move to the
// top-level system field, tool results become user tool_result blocks, and
// consecutive messages with the same wire role are merged since the API
// requires alternating roles.
func buildRequest(model string, req llm.ChatRequest, stream bool) request {
	out := request{
		Model:     model,
		MaxTokens: req.MaxOutputTokens,
		Stream:    stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	var system []string
	for _, m := range req.Messages {
		var (
			role   string
			blocks []contentBlock
		)
		switch m.Role {
		case message.RoleSystem:
			system = append(system, m.Content)
			continue
		case message.RoleUser:
			role = "user"
			blocks = []contentBlock{{Type: "text", Text: m.Content}}
		case message.RoleAssistant:
			role = "assistant"
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input, _ := json.Marshal(tc.Arguments)
				if tc.Arguments == nil {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, contentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
		case message.RoleTool:
			role = "user"
			blocks = []contentBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}}
		default:
			continue
		}

		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, wireMsg{Role: role, Content: blocks})
	}
	out.System = strings.Join(system, "\n\n")

	for _, def := range req.Tools {
		out.Tools = append(out.Tools, tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters.JSON(),
		})
	}
	return out
}
