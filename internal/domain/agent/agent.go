// Package agent defines the configuration surface of an agent loop.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/session"
	"github.com/Strob0t/agentloop/internal/domain/tool"
)

// DefaultSystemPrompt is used when a loop is started without one.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help you complete the task, then answer concisely."

// Compaction controls context compaction between turns.
type Compaction struct {
	Enabled              bool    `json:"enabled"`
	Threshold            float64 `json:"threshold"`
	ProtectedToolResults int     `json:"protected_tool_results"`
}

// Hooks are optional lifecycle callbacks. A non-nil error from BeforeTool
// vetoes the call; the model receives the error as the tool result.
type Hooks struct {
	BeforeTool func(ctx context.Context, call message.ToolCall) error
	AfterTool  func(ctx context.Context, rec tool.ExecutionRecord)
	AfterTurn  func(ctx context.Context, snap session.Snapshot)
}

// Config holds the limits and behavior of one agent loop.
type Config struct {
	Name            string        `json:"name"`
	SystemPrompt    string        `json:"system_prompt"`
	MaxTurns        int           `json:"max_turns"`
	Timeout         time.Duration `json:"timeout"`
	CostLimitUSD    float64       `json:"cost_limit_usd"` // 0 disables the ceiling
	Tier            llm.Tier      `json:"tier"`
	Stream          bool          `json:"stream"`
	StreamBuffer    int           `json:"stream_buffer"`
	Temperature     float64       `json:"temperature"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Compaction      Compaction    `json:"compaction"`
	RetryEnabled    bool          `json:"retry_enabled"`
	ToolRetries     int           `json:"tool_retries"`
	RetryBackoff    time.Duration `json:"retry_backoff"`
	MaxResultChars  int           `json:"max_result_chars"`
	// AllowedTools restricts the tool catalog; nil means every registered tool.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Hooks        Hooks    `json:"-"`
}

// DefaultConfig returns the built-in loop defaults.
func DefaultConfig() Config {
	return Config{
		Name:            "agent",
		SystemPrompt:    DefaultSystemPrompt,
		MaxTurns:        25,
		Timeout:         10 * time.Minute,
		Tier:            llm.TierSmart,
		StreamBuffer:    64,
		Temperature:     0.2,
		MaxOutputTokens: 4096,
		Compaction: Compaction{
			Enabled:              true,
			Threshold:            0.8,
			ProtectedToolResults: 3,
		},
		RetryEnabled:   true,
		ToolRetries:    2,
		RetryBackoff:   500 * time.Millisecond,
		MaxResultChars: 10000,
	}
}

// WithDefaults fills zero-valued limits from DefaultConfig. Booleans are
// left as given.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Tier == "" {
		c.Tier = d.Tier
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	if c.Compaction.Threshold <= 0 {
		c.Compaction.Threshold = d.Compaction.Threshold
	}
	if c.Compaction.ProtectedToolResults <= 0 {
		c.Compaction.ProtectedToolResults = d.Compaction.ProtectedToolResults
	}
	if c.MaxResultChars <= 0 {
		c.MaxResultChars = d.MaxResultChars
	}
	return c
}

// Validate rejects configurations a loop cannot run with.
func (c *Config) Validate() error {
	if c.MaxTurns < 1 {
		return errors.New("max_turns must be >= 1")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if c.CostLimitUSD < 0 {
		return errors.New("cost_limit_usd must be >= 0")
	}
	if _, err := llm.ParseTier(string(c.Tier)); err != nil {
		return err
	}
	if c.ToolRetries < 0 {
		return errors.New("tool_retries must be >= 0")
	}
	if c.Compaction.Threshold <= 0 || c.Compaction.Threshold > 1 {
		return errors.New("compaction threshold must be in (0, 1]")
	}
	return nil
}
