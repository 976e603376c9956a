package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentloop.yaml"

// DefaultEnvFile is the dotenv file merged into the process environment.
const DefaultEnvFile = ".env"

// Load returns a Config using the hierarchy: defaults < YAML < .env < ENV.
// Both files are optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < .env < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, fmt.Errorf("config dotenv: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadDotEnv merges a dotenv file into the process environment. Variables
// already present in the environment win over the file.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTLOOP_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTLOOP_CORS_ORIGIN")
	setFloat64(&cfg.Server.RunRate, "AGENTLOOP_RUN_RATE")
	setInt(&cfg.Server.RunBurst, "AGENTLOOP_RUN_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "AGENTLOOP_IDEMPOTENCY_TTL")
	setInt(&cfg.Server.WSSendQueue, "AGENTLOOP_WS_SEND_QUEUE")
	setString(&cfg.Logging.Level, "AGENTLOOP_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTLOOP_LOG_SERVICE")
	setString(&cfg.Logging.Format, "AGENTLOOP_LOG_FORMAT")
	setBool(&cfg.Logging.Async, "AGENTLOOP_LOG_ASYNC")

	// Providers
	setString(&cfg.Providers.Primary, "AGENTLOOP_PRIMARY_PROVIDER")
	setDuration(&cfg.Providers.Timeout, "AGENTLOOP_PROVIDER_TIMEOUT")
	setString(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")
	setString(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Providers.LiteLLM.APIKey, "LITELLM_MASTER_KEY")
	setString(&cfg.Providers.LiteLLM.BaseURL, "LITELLM_URL")
	setInt(&cfg.Breaker.MaxFailures, "AGENTLOOP_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTLOOP_BREAKER_TIMEOUT")

	// Agent loop
	setInt(&cfg.Agent.MaxTurns, "AGENTLOOP_MAX_TURNS")
	setDuration(&cfg.Agent.Timeout, "AGENTLOOP_TIMEOUT")
	setFloat64(&cfg.Agent.CostLimitUSD, "AGENTLOOP_COST_LIMIT_USD")
	setString(&cfg.Agent.Tier, "AGENTLOOP_TIER")
	setBool(&cfg.Agent.Stream, "AGENTLOOP_STREAM")
	setInt(&cfg.Agent.StreamBuffer, "AGENTLOOP_STREAM_BUFFER")
	setString(&cfg.Agent.SystemPrompt, "AGENTLOOP_SYSTEM_PROMPT")
	setFloat64(&cfg.Agent.Temperature, "AGENTLOOP_TEMPERATURE")
	setInt(&cfg.Agent.MaxOutputTokens, "AGENTLOOP_MAX_OUTPUT_TOKENS")

	// Compaction
	setBool(&cfg.Compaction.Enabled, "AGENTLOOP_COMPACTION_ENABLED")
	setFloat64(&cfg.Compaction.Threshold, "AGENTLOOP_COMPACTION_THRESHOLD")
	setInt(&cfg.Compaction.ProtectedToolResults, "AGENTLOOP_COMPACTION_PROTECTED_TOOLS")
	setInt(&cfg.Compaction.FallbackKeep, "AGENTLOOP_COMPACTION_FALLBACK_KEEP")
	setDuration(&cfg.Compaction.SummaryTTL, "AGENTLOOP_COMPACTION_SUMMARY_TTL")

	// Tools
	setBool(&cfg.Tools.RetryEnabled, "AGENTLOOP_TOOL_RETRY_ENABLED")
	setInt(&cfg.Tools.MaxRetries, "AGENTLOOP_TOOL_MAX_RETRIES")
	setDuration(&cfg.Tools.Backoff, "AGENTLOOP_TOOL_BACKOFF")
	setInt(&cfg.Tools.MaxResultChars, "AGENTLOOP_TOOL_MAX_RESULT_CHARS")

	// Subagent
	setInt(&cfg.Subagent.MaxConcurrent, "AGENTLOOP_SUBAGENT_MAX_CONCURRENT")
	setInt(&cfg.Subagent.MaxDepth, "AGENTLOOP_SUBAGENT_MAX_DEPTH")
	setDuration(&cfg.Subagent.DefaultTimeout, "AGENTLOOP_SUBAGENT_TIMEOUT")
	setInt(&cfg.Subagent.MaxTurns, "AGENTLOOP_SUBAGENT_MAX_TURNS")
	setInt(&cfg.Subagent.PlanParallel, "AGENTLOOP_SUBAGENT_PLAN_PARALLEL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTLOOP_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTLOOP_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTLOOP_CACHE_L2_TTL")

	// Infrastructure
	setBool(&cfg.NATS.Enabled, "AGENTLOOP_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.OTEL.Enabled, "AGENTLOOP_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.OTEL.Insecure, "AGENTLOOP_OTEL_INSECURE")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "AGENTLOOP_OTEL_SAMPLE_RATE")
	setBool(&cfg.MCP.Enabled, "AGENTLOOP_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "AGENTLOOP_MCP_ADDR")
}

// validate checks that required fields are set and ranges make sense.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RunRate <= 0 || cfg.Server.RunBurst < 1 {
		return errors.New("server.run_rate must be > 0 and server.run_burst >= 1")
	}
	switch cfg.Providers.Primary {
	case "anthropic", "openai", "litellm":
	default:
		return fmt.Errorf("providers.primary %q is not a known vendor", cfg.Providers.Primary)
	}
	switch cfg.Agent.Tier {
	case "fast", "smart", "creative":
	default:
		return fmt.Errorf("agent.tier %q must be fast, smart or creative", cfg.Agent.Tier)
	}
	if cfg.Agent.MaxTurns < 1 {
		return errors.New("agent.max_turns must be >= 1")
	}
	if cfg.Agent.Timeout <= 0 {
		return errors.New("agent.timeout must be > 0")
	}
	if cfg.Agent.CostLimitUSD < 0 {
		return errors.New("agent.cost_limit_usd must be >= 0")
	}
	if cfg.Agent.StreamBuffer < 1 {
		return errors.New("agent.stream_buffer must be >= 1")
	}
	if cfg.Compaction.Threshold <= 0 || cfg.Compaction.Threshold > 1 {
		return errors.New("compaction.threshold must be in (0, 1]")
	}
	if cfg.Tools.MaxRetries < 0 {
		return errors.New("tools.max_retries must be >= 0")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Subagent.MaxConcurrent < 1 {
		return errors.New("subagent.max_concurrent must be >= 1")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
