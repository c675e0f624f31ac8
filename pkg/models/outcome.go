package models

import "time"

// RoutingOutcome summarizes one routed request for accounting.
type RoutingOutcome struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	Tier         string    `json:"tier"`
	CacheHit     bool      `json:"cache_hit"`
	MatchedHash  string    `json:"matched_hash,omitempty"`
	Similarity   float64   `json:"similarity,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	Attempts     int       `json:"attempts"`
	Success      bool      `json:"success"`
	Rejected     bool      `json:"rejected,omitempty"`
	// Cancelled is set when the caller went away mid-dispatch. The
	// attempt is not held against ProviderID.
	Cancelled bool `json:"cancelled,omitempty"`
	// FailedProviders lists every provider whose attempt failed, in
	// attempt order. ProviderID is the last provider tried.
	FailedProviders []string `json:"failed_providers,omitempty"`
	CostAvoided  float64   `json:"cost_avoided"`
	CostIncurred float64   `json:"cost_incurred"`
	LatencyMs    int64     `json:"latency_ms"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderTally aggregates outcomes attributed to one provider.
type ProviderTally struct {
	ProviderID   string  `json:"provider_id"`
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	CostIncurred float64 `json:"cost_incurred"`
}

// AccountingSnapshot is a point-in-time copy of the reporter's totals.
type AccountingSnapshot struct {
	TotalRequests int64           `json:"total_requests"`
	CacheHits     int64           `json:"cache_hits"`
	CacheMisses   int64           `json:"cache_misses"`
	Rejected      int64           `json:"rejected"`
	Cancelled     int64           `json:"cancelled"`
	Failures      int64           `json:"failures"`
	CostAvoided   float64         `json:"cost_avoided"`
	CostIncurred  float64         `json:"cost_incurred"`
	Dropped       int64           `json:"dropped"`
	Providers     []ProviderTally `json:"providers"`
}

// LedgerSummary is a persisted per-provider aggregate read back from the ledger.
type LedgerSummary struct {
	ProviderID   string  `json:"provider_id"`
	Requests     int     `json:"requests"`
	Successes    int     `json:"successes"`
	CacheHits    int     `json:"cache_hits"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	CostAvoided  float64 `json:"cost_avoided"`
	CostIncurred float64 `json:"cost_incurred"`
}

// LedgerReport is the persisted spend report for a period.
type LedgerReport struct {
	Since     time.Time       `json:"since"`
	Totals    LedgerSummary   `json:"totals"`
	Providers []LedgerSummary `json:"providers"`
}
