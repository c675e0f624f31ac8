package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/relay/pkg/models"
)

func formatCacheStats(s models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:         %d / %d\n"+
		"  Hits:            %d\n"+
		"  Misses:          %d\n"+
		"  Hit Rate:        %.1f%%\n"+
		"  Avg Similarity:  %.3f\n"+
		"  Threshold:       %.2f\n"+
		"  Evictions:       %d\n"+
		"  Embed Failures:  %d\n",
		s.EntryCount, s.Capacity, s.Hits, s.Misses, s.HitRate*100,
		s.AvgSimilarityOnHit, s.Threshold, s.Evictions, s.EmbeddingFailures)
}

// formatProviderHealth formats provider health as a text table.
func formatProviderHealth(health []models.ProviderHealth) string {
	if len(health) == 0 {
		return "No providers registered."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-14s %9s %-8s %-20s\n", "Provider", "State", "Failures", "Primary", "Open Until")
	b.WriteString(strings.Repeat("-", 75) + "\n")
	for _, h := range health {
		primary := ""
		if h.IsPrimary {
			primary = "yes"
		}
		until := "-"
		if h.OpenUntil != nil {
			until = h.OpenUntil.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%-20s %-14s %9d %-8s %-20s\n", h.ProviderID, h.State, h.ConsecutiveFailures, primary, until)
	}
	return b.String()
}

// formatProviderMetrics formats provider metrics as a text table.
func formatProviderMetrics(ms []models.ProviderMetrics) string {
	if len(ms) == 0 {
		return "No providers registered."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %8s %8s %8s %12s %12s\n", "Provider", "Requests", "Failed", "Success%", "Avg Latency", "Cost/Req")
	b.WriteString(strings.Repeat("-", 73) + "\n")
	for _, m := range ms {
		fmt.Fprintf(&b, "%-20s %8d %8d %7.1f%% %10.0fms %12.6f\n",
			m.ProviderID, m.TotalRequests, m.FailedRequests, m.SuccessRate()*100, m.AvgLatencyMs, m.CostPerRequest)
	}
	return b.String()
}

func formatAccounting(s models.AccountingSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Accounting\n"+
		"  Requests:       %d\n"+
		"  Cache Hits:     %d\n"+
		"  Cache Misses:   %d\n"+
		"  Rejected:       %d\n"+
		"  Failures:       %d\n"+
		"  Cost Avoided:   $%.4f\n"+
		"  Cost Incurred:  $%.4f\n",
		s.TotalRequests, s.CacheHits, s.CacheMisses, s.Rejected, s.Failures, s.CostAvoided, s.CostIncurred)
	if s.Cancelled > 0 {
		fmt.Fprintf(&b, "  Cancelled:      %d\n", s.Cancelled)
	}
	if s.Dropped > 0 {
		fmt.Fprintf(&b, "  Dropped Events: %d\n", s.Dropped)
	}
	for _, p := range s.Providers {
		fmt.Fprintf(&b, "  %-18s %6d req %6d fail  $%.4f\n", p.ProviderID, p.Requests, p.Failures, p.CostIncurred)
	}
	return b.String()
}

func formatTiers(tiers []models.TierStatus) string {
	if len(tiers) == 0 {
		return "No tiers configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %8s %8s %10s %10s\n", "Tier", "Limit", "Used", "Remaining", "Window")
	b.WriteString(strings.Repeat("-", 56) + "\n")
	for _, t := range tiers {
		fmt.Fprintf(&b, "%-16s %8d %8d %10d %10s\n",
			t.Tier, t.Limit, t.Used, t.Remaining, time.Duration(t.WindowMs)*time.Millisecond)
	}
	return b.String()
}

// formatLedgerReport formats persisted spend as a per-provider table with
// a totals row.
func formatLedgerReport(r models.LedgerReport) string {
	if r.Totals.Requests == 0 {
		return "No routed requests recorded since " + r.Since.Local().Format("2006-01-02 15:04") + "."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Since %s\n", r.Since.Local().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "%-20s %8s %8s %8s %12s %12s\n", "Provider", "Requests", "OK", "Hits", "Avoided", "Incurred")
	b.WriteString(strings.Repeat("-", 73) + "\n")
	for _, p := range r.Providers {
		fmt.Fprintf(&b, "%-20s %8d %8d %8d %12.4f %12.4f\n",
			p.ProviderID, p.Requests, p.Successes, p.CacheHits, p.CostAvoided, p.CostIncurred)
	}
	b.WriteString(strings.Repeat("-", 73) + "\n")
	t := r.Totals
	fmt.Fprintf(&b, "%-20s %8d %8d %8d %12.4f %12.4f\n",
		"TOTAL", t.Requests, t.Successes, t.CacheHits, t.CostAvoided, t.CostIncurred)
	return b.String()
}
