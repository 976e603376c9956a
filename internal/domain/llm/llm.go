// Package llm defines the vendor-neutral request, response, and streaming
// chunk types used by the provider gateway and its vendor adapters.
package llm

import (
	"fmt"

	"github.com/Strob0t/agentloop/internal/domain/cost"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/tool"
)

// Tier is an abstract capability level that each vendor maps to a concrete model.
type Tier string

const (
	TierFast     Tier = "fast"
	TierSmart    Tier = "smart"
	TierCreative Tier = "creative"
)

// Tiers lists every tier.
var Tiers = []Tier{TierFast, TierSmart, TierCreative}

// ParseTier validates a tier name. An empty name yields TierSmart.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "":
		return TierSmart, nil
	case TierFast, TierSmart, TierCreative:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// ModelSpec is the concrete model a vendor uses for a tier.
type ModelSpec struct {
	ID            string `json:"id"`
	ContextWindow int    `json:"context_window"`
}

// ChatRequest is a vendor-neutral completion request. The system prompt is the
// leading system message(s) of Messages; adapters relocate it as their API needs.
type ChatRequest struct {
	Messages        []message.Message
	Tier            Tier
	Tools           []tool.Definition
	Temperature     float64
	MaxOutputTokens int
}

// Usage is the token usage a vendor reported for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is a completed model turn.
type ChatResponse struct {
	Text       string
	ToolCalls  []message.ToolCall
	Usage      Usage
	StopReason string
	// Provider and Model identify the vendor and concrete model that served
	// the call; Record is the usage record the gateway appended for it.
	Provider string
	Model    string
	Record   cost.UsageRecord
}

// ChunkType identifies a streaming chunk.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkToolStart ChunkType = "tool_start"
	ChunkToolDelta ChunkType = "tool_delta"
	ChunkToolEnd   ChunkType = "tool_end"
)

// Chunk is one incremental piece of a streamed response. Index correlates
// tool chunks belonging to the same call within one response.
type Chunk struct {
	Type      ChunkType
	Text      string
	Index     int
	ToolCall  message.ToolCall
	ArgsDelta string
}
