package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pario-ai/relay/pkg/registry"
)

type toolHandler func(ctx context.Context, b Backend, args json.RawMessage) ToolCallResult

type tool struct {
	def    ToolDefinition
	handle toolHandler
}

var emptySchema = map[string]any{"type": "object", "properties": map[string]any{}}

var tools = []tool{
	{
		def: ToolDefinition{
			Name:        "relay_cache_stats",
			Description: "Show similarity cache statistics (entries, hit rate, average similarity on hit, evictions).",
			InputSchema: emptySchema,
		},
		handle: handleCacheStats,
	},
	{
		def: ToolDefinition{
			Name:        "relay_provider_health",
			Description: "Show circuit-breaker state of every provider and which one is primary.",
			InputSchema: emptySchema,
		},
		handle: handleProviderHealth,
	},
	{
		def: ToolDefinition{
			Name:        "relay_provider_metrics",
			Description: "Show rolling request metrics per provider (success rate, latency, cost).",
			InputSchema: emptySchema,
		},
		handle: handleProviderMetrics,
	},
	{
		def: ToolDefinition{
			Name:        "relay_accounting",
			Description: "Show running accounting totals since start-up, including cost avoided by the cache and tier usage.",
			InputSchema: emptySchema,
		},
		handle: handleAccounting,
	},
	{
		def: ToolDefinition{
			Name:        "relay_ledger_summary",
			Description: "Show persisted spend per provider over a trailing window.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"since": map[string]any{
						"type":        "string",
						"description": "Trailing window as a Go duration, e.g. 24h or 30m (optional, defaults to 24h)",
					},
				},
			},
		},
		handle: handleLedgerSummary,
	},
	{
		def: ToolDefinition{
			Name:        "relay_set_primary",
			Description: "Designate the preferred provider.",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"provider_id"},
				"properties": map[string]any{
					"provider_id": map[string]any{
						"type":        "string",
						"description": "Registered provider id",
					},
				},
			},
		},
		handle: handleSetPrimary,
	},
}

func toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = t.def
	}
	return defs
}

func toolByName(name string) (tool, bool) {
	for _, t := range tools {
		if t.def.Name == name {
			return t, true
		}
	}
	return tool{}, false
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func handleCacheStats(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	stats, err := b.CacheStats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	return textResult(formatCacheStats(stats))
}

func handleProviderHealth(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	health, err := b.ProviderHealth(ctx)
	if err != nil {
		return errorResult("Error fetching provider health: " + err.Error())
	}
	return textResult(formatProviderHealth(health))
}

func handleProviderMetrics(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	m, err := b.ProviderMetrics(ctx)
	if err != nil {
		return errorResult("Error fetching provider metrics: " + err.Error())
	}
	return textResult(formatProviderMetrics(m))
}

func handleAccounting(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	snap, err := b.Accounting(ctx)
	if err != nil {
		return errorResult("Error fetching accounting: " + err.Error())
	}
	text := formatAccounting(snap)
	// Tier usage is informational; a failure here does not fail the tool.
	if tiers, err := b.Admission(ctx); err == nil {
		text += "\n" + formatTiers(tiers)
	}
	return textResult(text)
}

type ledgerArgs struct {
	Since string `json:"since"`
}

func handleLedgerSummary(ctx context.Context, b Backend, rawArgs json.RawMessage) ToolCallResult {
	var args ledgerArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	window := 24 * time.Hour
	if args.Since != "" {
		d, err := time.ParseDuration(args.Since)
		if err != nil || d <= 0 {
			return errorResult("Invalid since duration (use e.g. 24h): " + args.Since)
		}
		window = d
	}
	report, err := b.LedgerSummary(ctx, window)
	if err != nil {
		return errorResult("Error fetching ledger summary: " + err.Error())
	}
	return textResult(formatLedgerReport(report))
}

type setPrimaryArgs struct {
	ProviderID string `json:"provider_id"`
}

func handleSetPrimary(ctx context.Context, b Backend, rawArgs json.RawMessage) ToolCallResult {
	var args setPrimaryArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.ProviderID == "" {
		return errorResult("provider_id is required")
	}
	if err := b.SetPrimary(ctx, args.ProviderID); err != nil {
		if errors.Is(err, registry.ErrUnknownProvider) {
			return errorResult("Unknown provider: " + args.ProviderID)
		}
		return errorResult("Error setting primary: " + err.Error())
	}
	return textResult("Primary provider set to " + args.ProviderID + ".")
}
