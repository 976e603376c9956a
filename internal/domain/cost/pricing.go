package cost

import "strings"

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultPricing maps model base names to their pricing.
var DefaultPricing = map[string]ModelPricing{
	"claude-opus-4-1":   {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-haiku-4-5":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gpt-4.1":           {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini":      {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"o3-mini":           {InputPerMTok: 1.10, OutputPerMTok: 4.40},
}

// NormalizeModelName maps a vendor model id onto a price-table key.
// It drops a routing prefix ("openai/gpt-4o") and a trailing release date,
// either compact ("claude-sonnet-4-5-20250929") or dashed ("gpt-4o-2024-08-06").
func NormalizeModelName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if _, ok := DefaultPricing[name]; ok {
		return name
	}

	parts := strings.Split(name, "-")
	switch {
	case len(parts) >= 2 && isDigits(parts[len(parts)-1], 8):
		return strings.Join(parts[:len(parts)-1], "-")
	case len(parts) >= 4 &&
		isDigits(parts[len(parts)-3], 4) &&
		isDigits(parts[len(parts)-2], 2) &&
		isDigits(parts[len(parts)-1], 2):
		return strings.Join(parts[:len(parts)-3], "-")
	}
	return name
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// LookupPricing returns the pricing for a model, normalizing the name first.
// Returns zero pricing and false if the model is unknown.
func LookupPricing(model string) (ModelPricing, bool) {
	p, ok := DefaultPricing[NormalizeModelName(model)]
	return p, ok
}

// Price returns the USD cost of a call. Unknown models cost zero.
func Price(model string, in, out int) float64 {
	p, ok := LookupPricing(model)
	if !ok {
		return 0
	}
	return float64(in)*p.InputPerMTok/1_000_000 + float64(out)*p.OutputPerMTok/1_000_000
}
