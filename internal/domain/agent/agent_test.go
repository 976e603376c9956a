package agent_test

import (
	"testing"
	"time"

	"github.com/Strob0t/agentloop/internal/domain/agent"
	"github.com/Strob0t/agentloop/internal/domain/llm"
)

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := agent.Config{MaxTurns: 3}.WithDefaults()

	if cfg.MaxTurns != 3 {
		t.Errorf("explicit MaxTurns overwritten: %d", cfg.MaxTurns)
	}
	if cfg.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.Tier != llm.TierSmart {
		t.Errorf("Tier = %q", cfg.Tier)
	}
	if cfg.SystemPrompt != agent.DefaultSystemPrompt {
		t.Errorf("SystemPrompt = %q", cfg.SystemPrompt)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*agent.Config)
	}{
		{"zero turns", func(c *agent.Config) { c.MaxTurns = 0 }},
		{"zero timeout", func(c *agent.Config) { c.Timeout = 0 }},
		{"negative cost", func(c *agent.Config) { c.CostLimitUSD = -0.5 }},
		{"bad tier", func(c *agent.Config) { c.Tier = "turbo" }},
		{"negative retries", func(c *agent.Config) { c.ToolRetries = -1 }},
		{"threshold too high", func(c *agent.Config) { c.Compaction.Threshold = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := agent.DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
