package models

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelPricing defines per-1K token costs for a provider's model.
type ModelPricing struct {
	PromptCost     float64 `json:"prompt_cost_per_1k" yaml:"prompt_cost_per_1k"`
	CompletionCost float64 `json:"completion_cost_per_1k" yaml:"completion_cost_per_1k"`
}

// Cost returns the cost of the given usage under this pricing.
func (p ModelPricing) Cost(u Usage) float64 {
	return (float64(u.PromptTokens)/1000)*p.PromptCost +
		(float64(u.CompletionTokens)/1000)*p.CompletionCost
}

// IsZero reports whether no token pricing is configured.
func (p ModelPricing) IsZero() bool {
	return p.PromptCost == 0 && p.CompletionCost == 0
}
