package litellm

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/Strob0t/agentloop/internal/adapter/openai"
	"github.com/Strob0t/agentloop/internal/domain/llm"
)

// VendorName is reported in usage records for calls served by the proxy.
const VendorName = "litellm"

// DefaultTiers routes each tier to a proxy model alias of the same name.
// Operators define "fast", "smart" and "creative" in the proxy config.
var DefaultTiers = map[llm.Tier]llm.ModelSpec{
	llm.TierFast:     {ID: "fast", ContextWindow: 128000},
	llm.TierSmart:    {ID: "smart", ContextWindow: 128000},
	llm.TierCreative: {ID: "creative", ContextWindow: 128000},
}

// NewVendor returns a vendor that sends chat requests through the proxy's
// OpenAI-compatible endpoint.
func NewVendor(baseURL, masterKey string, tiers map[llm.Tier]llm.ModelSpec, client *http.Client, log *slog.Logger) *openai.Provider {
	return openai.New(openai.Config{
		Name:       VendorName,
		APIKey:     masterKey,
		BaseURL:    strings.TrimRight(baseURL, "/") + "/v1",
		Tiers:      tiers,
		Defaults:   DefaultTiers,
		HTTPClient: client,
		Logger:     log,
	})
}
