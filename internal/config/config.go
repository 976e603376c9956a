// Package config provides hierarchical configuration loading for agentloop.
// Precedence: defaults < YAML file < .env file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the agentloop service.
type Config struct {
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
	Providers  Providers  `yaml:"providers"`
	Breaker    Breaker    `yaml:"breaker"`
	Agent      Agent      `yaml:"agent"`
	Compaction Compaction `yaml:"compaction"`
	Tools      Tools      `yaml:"tools"`
	Subagent   Subagent   `yaml:"subagent"`
	Cache      Cache      `yaml:"cache"`
	NATS       NATS       `yaml:"nats"`
	OTEL       OTEL       `yaml:"otel"`
	MCP        MCP        `yaml:"mcp"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port           string        `yaml:"port"`
	CORSOrigin     string        `yaml:"cors_origin"`
	RunRate        float64       `yaml:"run_rate"`  // run starts per second per client
	RunBurst       int           `yaml:"run_burst"` // run starts allowed at once
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	WSSendQueue    int           `yaml:"ws_send_queue"` // frames buffered per WebSocket client
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Format  string `yaml:"format"` // "json" | "text"
	Async   bool   `yaml:"async"`
}

// Providers holds the vendor endpoints and credentials. A vendor without
// credentials is left out of the fallback chain.
type Providers struct {
	Primary   string        `yaml:"primary"` // "anthropic" | "openai" | "litellm"
	Anthropic Vendor        `yaml:"anthropic"`
	OpenAI    Vendor        `yaml:"openai"`
	LiteLLM   Vendor        `yaml:"litellm"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Vendor holds one vendor's connection settings and tier overrides.
type Vendor struct {
	APIKey  string          `yaml:"api_key"`
	BaseURL string          `yaml:"base_url"`
	Tiers   map[string]Tier `yaml:"tiers"` // keyed by "fast" | "smart" | "creative"
}

// Tier overrides the model id and context window a vendor uses for a tier.
type Tier struct {
	Model         string `yaml:"model"`
	ContextWindow int    `yaml:"context_window"`
}

// Breaker holds circuit breaker configuration, applied per vendor.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Agent holds the default loop limits for top-level runs.
type Agent struct {
	MaxTurns        int           `yaml:"max_turns"`
	Timeout         time.Duration `yaml:"timeout"`
	CostLimitUSD    float64       `yaml:"cost_limit_usd"`
	Tier            string        `yaml:"tier"`
	Stream          bool          `yaml:"stream"`
	StreamBuffer    int           `yaml:"stream_buffer"`
	SystemPrompt    string        `yaml:"system_prompt"`
	Temperature     float64       `yaml:"temperature"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
}

// Compaction holds context compaction settings.
type Compaction struct {
	Enabled              bool          `yaml:"enabled"`
	Threshold            float64       `yaml:"threshold"`              // fraction of the context window
	ProtectedToolResults int           `yaml:"protected_tool_results"` // tool messages kept verbatim
	MaxToolResultChars   int           `yaml:"max_tool_result_chars"`  // per tool message when rendering for the summary
	FallbackKeep         int           `yaml:"fallback_keep"`          // middle messages kept when summarization fails
	SummaryMaxTokens     int           `yaml:"summary_max_tokens"`
	SummaryTTL           time.Duration `yaml:"summary_ttl"`
}

// Tools holds tool dispatch settings.
type Tools struct {
	RetryEnabled   bool          `yaml:"retry_enabled"`
	MaxRetries     int           `yaml:"max_retries"`
	Backoff        time.Duration `yaml:"backoff"`
	MaxResultChars int           `yaml:"max_result_chars"`
}

// Subagent holds delegation settings.
type Subagent struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxDepth       int           `yaml:"max_depth"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTurns       int           `yaml:"max_turns"`
	PlanParallel   int           `yaml:"plan_parallel"`
}

// Cache holds tiered cache configuration for compaction summaries.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
}

// NATS holds NATS JetStream configuration.
type NATS struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// OTEL holds OpenTelemetry exporter configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MCP holds the Model Context Protocol server configuration.
type MCP struct {
	Enabled bool        `yaml:"enabled"`
	Addr    string      `yaml:"addr"`
	Remotes []MCPRemote `yaml:"remotes"` // external servers whose tools are imported
}

// MCPRemote describes an external MCP server. Transport is stdio, sse or http.
type MCPRemote struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:           "8080",
			CORSOrigin:     "http://localhost:3000",
			RunRate:        1,
			RunBurst:       5,
			IdempotencyTTL: 24 * time.Hour,
			WSSendQueue:    256,
		},
		Logging: Logging{
			Level:   "info",
			Service: "agentloop",
			Format:  "json",
		},
		Providers: Providers{
			Primary: "anthropic",
			Anthropic: Vendor{
				BaseURL: "https://api.anthropic.com",
			},
			OpenAI: Vendor{
				BaseURL: "https://api.openai.com/v1",
			},
			LiteLLM: Vendor{
				BaseURL: "http://localhost:4000",
			},
			Timeout: 5 * time.Minute,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Agent: Agent{
			MaxTurns:        25,
			Timeout:         10 * time.Minute,
			CostLimitUSD:    0,
			Tier:            "smart",
			StreamBuffer:    64,
			Temperature:     0.2,
			MaxOutputTokens: 4096,
		},
		Compaction: Compaction{
			Enabled:              true,
			Threshold:            0.8,
			ProtectedToolResults: 3,
			MaxToolResultChars:   2000,
			FallbackKeep:         4,
			SummaryMaxTokens:     1024,
			SummaryTTL:           time.Hour,
		},
		Tools: Tools{
			RetryEnabled:   true,
			MaxRetries:     2,
			Backoff:        500 * time.Millisecond,
			MaxResultChars: 10000,
		},
		Subagent: Subagent{
			MaxConcurrent:  4,
			MaxDepth:       2,
			DefaultTimeout: 5 * time.Minute,
			MaxTurns:       15,
			PlanParallel:   3,
		},
		Cache: Cache{
			L1MaxSizeMB: 32,
			L2Bucket:    "AGENTLOOP_SUMMARIES",
			L2TTL:       24 * time.Hour,
		},
		NATS: NATS{
			URL: "nats://localhost:4222",
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "agentloop",
			SampleRate:  1.0,
		},
		MCP: MCP{
			Addr: ":3001",
		},
	}
}
