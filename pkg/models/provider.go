package models

import (
	"fmt"
	"time"
)

// ProviderState is the circuit-breaker state of a provider.
type ProviderState int

const (
	StateHealthy ProviderState = iota
	StateDegraded
	StateCircuitOpen
)

func (s ProviderState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s ProviderState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *ProviderState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = StateHealthy
	case "degraded":
		*s = StateDegraded
	case "circuit_open":
		*s = StateCircuitOpen
	default:
		return fmt.Errorf("unknown provider state %q", string(b))
	}
	return nil
}

// ProviderMetrics holds rolling request metrics for one provider.
type ProviderMetrics struct {
	ProviderID         string     `json:"providerId"`
	TotalRequests      int64      `json:"totalRequests"`
	SuccessfulRequests int64      `json:"successfulRequests"`
	FailedRequests     int64      `json:"failedRequests"`
	AvgLatencyMs       float64    `json:"avgLatencyMs"`
	CostPerRequest     float64    `json:"costPerRequest"`
	LastFailureAt      *time.Time `json:"lastFailureAt,omitempty"`
}

// SuccessRate returns the fraction of successful requests, or 1 when the
// provider has no history yet.
func (m ProviderMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests)
}

// ProviderHealth is the externally visible health of one provider.
type ProviderHealth struct {
	ProviderID          string        `json:"providerId"`
	State               ProviderState `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	IsPrimary           bool          `json:"isPrimary"`
	OpenUntil           *time.Time    `json:"openUntil,omitempty"`
}

// ProviderRecord is the full registry view of a provider.
type ProviderRecord struct {
	ProviderHealth
	Metrics ProviderMetrics `json:"metrics"`
}
