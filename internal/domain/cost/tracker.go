package cost

import (
	"slices"
	"sync"
)

// Tracker is an append-only ledger of usage records. A single Tracker is
// shared by pointer across a session and all of its delegated children, so
// spend is additive across the whole delegation tree.
type Tracker struct {
	mu      sync.Mutex
	records []UsageRecord
	totals  Summary
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add appends a record. Safe for concurrent use.
func (t *Tracker) Add(rec UsageRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	t.totals.CallCount++
	t.totals.TotalTokensIn += int64(rec.InputTokens)
	t.totals.TotalTokensOut += int64(rec.OutputTokens)
	t.totals.TotalCostUSD += rec.CostUSD
}

// Records returns a copy of all records in append order.
func (t *Tracker) Records() []UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.records)
}

// Totals returns the running totals.
func (t *Tracker) Totals() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// TotalCostUSD returns the accumulated spend.
func (t *Tracker) TotalCostUSD() float64 {
	return t.Totals().TotalCostUSD
}

// CallCount returns the number of recorded calls.
func (t *Tracker) CallCount() int {
	return t.Totals().CallCount
}

// ByModel breaks totals down per provider and model, most expensive first.
func (t *Tracker) ByModel() []ModelSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	type key struct{ provider, model string }
	idx := make(map[key]int)
	var out []ModelSummary
	for _, r := range t.records {
		k := key{r.Provider, r.Model}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, ModelSummary{Provider: r.Provider, Model: r.Model})
		}
		out[i].CallCount++
		out[i].TotalTokensIn += int64(r.InputTokens)
		out[i].TotalTokensOut += int64(r.OutputTokens)
		out[i].TotalCostUSD += r.CostUSD
	}
	slices.SortStableFunc(out, func(a, b ModelSummary) int {
		switch {
		case a.TotalCostUSD > b.TotalCostUSD:
			return -1
		case a.TotalCostUSD < b.TotalCostUSD:
			return 1
		}
		return 0
	})
	return out
}
