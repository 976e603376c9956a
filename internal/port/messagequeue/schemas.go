package messagequeue

// RunStartPayload is the schema for runs.start messages.
type RunStartPayload struct {
	RequestID      string   `json:"request_id"`
	Task           string   `json:"task"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	Tier           string   `json:"tier,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	CostLimitUSD   float64  `json:"cost_limit_usd,omitempty"`
	Stream         bool     `json:"stream,omitempty"`
}

// RunCompletePayload is the schema for runs.complete messages.
type RunCompletePayload struct {
	RequestID    string   `json:"request_id"`
	SessionID    string   `json:"session_id"`
	Reason       string   `json:"reason"`
	Success      bool     `json:"success"`
	FinalText    string   `json:"final_text"`
	TurnsUsed    int      `json:"turns_used"`
	ToolsCalled  []string `json:"tools_called"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	CallCount    int      `json:"call_count"`
}
