// Package cost defines usage records, the static price table, and the shared
// per-delegation-tree usage tracker.
package cost

import "time"

// Summary holds aggregate cost and token metrics.
type Summary struct {
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TotalTokensIn  int64   `json:"total_tokens_in"`
	TotalTokensOut int64   `json:"total_tokens_out"`
	CallCount      int     `json:"call_count"`
}

// ModelSummary breaks down cost by provider and model.
type ModelSummary struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Summary
}

// UsageRecord is one successful provider call. Records are immutable once created.
type UsageRecord struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
	CostUSD      float64       `json:"cost_usd"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewUsageRecord prices a call using the default price table.
func NewUsageRecord(provider, model string, in, out int, d time.Duration) UsageRecord {
	return UsageRecord{
		Provider:     provider,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		Duration:     d,
		CostUSD:      Price(model, in, out),
		CreatedAt:    time.Now().UTC(),
	}
}
