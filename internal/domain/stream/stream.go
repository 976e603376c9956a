// Package stream defines the incremental events emitted by a streaming agent loop.
package stream

import "time"

// Type tags an Event.
type Type string

const (
	TypeTextDelta         Type = "text_delta"
	TypeToolStarted       Type = "tool_started"
	TypeToolArgumentDelta Type = "tool_argument_delta"
	TypeToolFinished      Type = "tool_finished"
	TypeToolResult        Type = "tool_result"
	TypeUsageUpdate       Type = "usage_update"
	TypeTurnStarted       Type = "turn_started"
	TypeDone              Type = "done"
	TypeError             Type = "error"
)

// Event is one item on a run's event stream. Exactly one payload field is set
// according to Type; turn_started carries only Turn.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Turn      int       `json:"turn,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      *Tool     `json:"tool,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	Done      *Done     `json:"done,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether e ends the stream.
func (e *Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// Tool describes a tool call being streamed or its dispatch outcome.
type Tool struct {
	CallID         string         `json:"call_id"`
	Name           string         `json:"name"`
	ArgumentsDelta string         `json:"arguments_delta,omitempty"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	Result         string         `json:"result,omitempty"`
	Success        bool           `json:"success,omitempty"`
	Error          string         `json:"error,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
}

// Usage reports the cost of one provider call and the running totals.
type Usage struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	SessionCostUSD float64 `json:"session_cost_usd"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
}

// Done carries the final outcome of a run that was not ended by an error.
type Done struct {
	Reason      string   `json:"reason"`
	FinalText   string   `json:"final_text"`
	Success     bool     `json:"success"`
	TurnsUsed   int      `json:"turns_used"`
	ToolsCalled []string `json:"tools_called"`
}
