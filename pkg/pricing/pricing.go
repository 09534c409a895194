// Package pricing computes USD cost from token counts. Pricing data is owned
// by the provider adapters; the calculator only merges and looks it up.
package pricing

import "strings"

// ModelPricing defines the price of one model at one provider.
// Model supports a trailing wildcard ("claude-3-5-sonnet*").
type ModelPricing struct {
	Provider        string  `yaml:"provider" json:"provider"`
	Model           string  `yaml:"model" json:"model"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k" json:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k" json:"output_cost_per_1k"`
}

// Calculator resolves (provider, model) to a price and computes call cost.
// It is immutable after construction and safe for concurrent use.
type Calculator struct {
	pricing map[string]ModelPricing // key: provider + "/" + model pattern
}

// NewCalculator builds a calculator from one or more pricing tables.
// Later tables override earlier entries with the same provider/model key, so
// configuration overrides can be layered on top of adapter defaults.
func NewCalculator(tables ...[]ModelPricing) *Calculator {
	c := &Calculator{pricing: make(map[string]ModelPricing)}
	for _, table := range tables {
		for _, p := range table {
			c.pricing[key(p.Provider, p.Model)] = p
		}
	}
	return c
}

// Calculate returns the cost for the given token counts.
// Returns 0 if the model is unknown to the pricing table.
func (c *Calculator) Calculate(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := c.Lookup(provider, model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000.0*p.InputCostPer1K +
		float64(outputTokens)/1000.0*p.OutputCostPer1K
}

// Lookup finds the pricing for a model, exact match first, then the longest
// matching wildcard prefix within the same provider.
func (c *Calculator) Lookup(provider, model string) (ModelPricing, bool) {
	if p, ok := c.pricing[key(provider, model)]; ok {
		return p, true
	}

	modelLower := strings.ToLower(model)
	var best *ModelPricing
	bestLen := -1
	for _, p := range c.pricing {
		if p.Provider != provider || !strings.HasSuffix(p.Model, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(p.Model, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			pCopy := p
			best = &pCopy
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return *best, true
	}
	return ModelPricing{}, false
}

func key(provider, model string) string {
	return provider + "/" + strings.ToLower(model)
}
