package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/registry"
)

// fakeBackend implements Backend for testing.
type fakeBackend struct {
	stats   models.CacheStats
	health  []models.ProviderHealth
	metrics []models.ProviderMetrics
	snap    models.AccountingSnapshot
	tiers   []models.TierStatus
	report  models.LedgerReport
	window  time.Duration
	primary string
	err     error
}

func (f *fakeBackend) CacheStats(context.Context) (models.CacheStats, error) { return f.stats, f.err }
func (f *fakeBackend) ProviderHealth(context.Context) ([]models.ProviderHealth, error) {
	return f.health, f.err
}
func (f *fakeBackend) ProviderMetrics(context.Context) ([]models.ProviderMetrics, error) {
	return f.metrics, f.err
}
func (f *fakeBackend) Accounting(context.Context) (models.AccountingSnapshot, error) {
	return f.snap, f.err
}
func (f *fakeBackend) Admission(context.Context) ([]models.TierStatus, error) { return f.tiers, f.err }
func (f *fakeBackend) LedgerSummary(_ context.Context, window time.Duration) (models.LedgerReport, error) {
	f.window = window
	return f.report, f.err
}
func (f *fakeBackend) SetPrimary(_ context.Context, id string) error {
	if id != "A" && id != "B" {
		return registry.ErrUnknownProvider
	}
	f.primary = id
	return nil
}

func sendAndReceive(t *testing.T, srv *Server, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	line = append(line, '\n')

	var out bytes.Buffer
	if err := srv.Run(context.Background(), bytes.NewReader(line), &out); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, out.String())
	}
	return resp
}

func callTool(t *testing.T, srv *Server, name, args string) ToolCallResult {
	t.Helper()
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: json.RawMessage(args)})
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content")
	}
	return result
}

func TestInitialize(t *testing.T) {
	srv := New(&fakeBackend{}, "test", nil)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	data, _ := json.Marshal(resp.Result)
	var result InitializeResult
	json.Unmarshal(data, &result)

	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %s, want %s", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "relay" || result.ServerInfo.Version != "test" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
}

func TestToolsList(t *testing.T) {
	srv := New(&fakeBackend{}, "test", nil)
	resp := sendAndReceive(t, srv, Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/list"})

	data, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	json.Unmarshal(data, &result)

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"relay_cache_stats", "relay_provider_health", "relay_provider_metrics",
		"relay_accounting", "relay_ledger_summary", "relay_set_primary",
	} {
		if !names[want] {
			t.Errorf("missing tool: %s", want)
		}
	}
	if len(result.Tools) != 6 {
		t.Errorf("got %d tools, want 6", len(result.Tools))
	}
}

func TestNotificationHasNoResponse(t *testing.T) {
	srv := New(&fakeBackend{}, "test", nil)
	var out bytes.Buffer
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	if err := srv.Run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %s", out.String())
	}
}

func TestParseAndMethodErrors(t *testing.T) {
	srv := New(&fakeBackend{}, "test", nil)
	var out bytes.Buffer
	in := strings.NewReader("not json\n" + `{"jsonrpc":"2.0","id":3,"method":"resources/list"}` + "\n")
	if err := srv.Run(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 responses, got %d: %s", len(lines), out.String())
	}
	var first, second Response
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[1]), &second)
	if first.Error == nil || first.Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", first.Error)
	}
	if second.Error == nil || second.Error.Code != CodeMethodNotFound {
		t.Errorf("expected method not found, got %+v", second.Error)
	}
}

func TestToolCallCacheStats(t *testing.T) {
	srv := New(&fakeBackend{stats: models.CacheStats{EntryCount: 3, Capacity: 100, Hits: 8, Misses: 2, HitRate: 0.8, AvgSimilarityOnHit: 0.951}}, "test", nil)
	res := callTool(t, srv, "relay_cache_stats", `{}`)
	text := res.Content[0].Text
	for _, want := range []string{"3 / 100", "80.0%", "0.951"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}
}

func TestToolCallProviderHealth(t *testing.T) {
	until := time.Now().Add(time.Minute)
	srv := New(&fakeBackend{health: []models.ProviderHealth{
		{ProviderID: "A", State: models.StateCircuitOpen, ConsecutiveFailures: 3, IsPrimary: true, OpenUntil: &until},
		{ProviderID: "B", State: models.StateHealthy},
	}}, "test", nil)
	text := callTool(t, srv, "relay_provider_health", "").Content[0].Text
	if !strings.Contains(text, "circuit_open") || !strings.Contains(text, "healthy") {
		t.Errorf("expected states in output, got:\n%s", text)
	}
}

func TestToolCallProviderMetrics(t *testing.T) {
	srv := New(&fakeBackend{metrics: []models.ProviderMetrics{
		{ProviderID: "A", TotalRequests: 4, SuccessfulRequests: 3, FailedRequests: 1, AvgLatencyMs: 120, CostPerRequest: 0.01},
	}}, "test", nil)
	text := callTool(t, srv, "relay_provider_metrics", "").Content[0].Text
	if !strings.Contains(text, "75.0%") {
		t.Errorf("expected success rate in output, got:\n%s", text)
	}
}

func TestToolCallAccounting(t *testing.T) {
	srv := New(&fakeBackend{
		snap:  models.AccountingSnapshot{TotalRequests: 3, CacheHits: 1, CostAvoided: 0.01, CostIncurred: 0.011},
		tiers: []models.TierStatus{{Tier: "free", Limit: 10, Used: 3, Remaining: 7, WindowMs: 60000}},
	}, "test", nil)
	text := callTool(t, srv, "relay_accounting", "").Content[0].Text
	for _, want := range []string{"$0.0100", "$0.0110", "free", "1m0s"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in output, got:\n%s", want, text)
		}
	}
}

func TestToolCallLedgerSummary(t *testing.T) {
	b := &fakeBackend{report: models.LedgerReport{
		Since:     time.Now().Add(-2 * time.Hour),
		Totals:    models.LedgerSummary{Requests: 3, CostIncurred: 0.011},
		Providers: []models.LedgerSummary{{ProviderID: "A", Requests: 2, CostIncurred: 0.01}},
	}}
	srv := New(b, "test", nil)

	text := callTool(t, srv, "relay_ledger_summary", `{"since":"2h"}`).Content[0].Text
	if b.window != 2*time.Hour {
		t.Errorf("window = %v, want 2h", b.window)
	}
	if !strings.Contains(text, "TOTAL") || !strings.Contains(text, "A ") {
		t.Errorf("unexpected output:\n%s", text)
	}

	res := callTool(t, srv, "relay_ledger_summary", `{"since":"yesterday"}`)
	if !res.IsError {
		t.Error("expected error for bad duration")
	}
}

func TestToolCallSetPrimary(t *testing.T) {
	b := &fakeBackend{}
	srv := New(b, "test", nil)

	if res := callTool(t, srv, "relay_set_primary", `{"provider_id":"B"}`); res.IsError {
		t.Fatalf("unexpected error: %s", res.Content[0].Text)
	}
	if b.primary != "B" {
		t.Errorf("primary = %q, want B", b.primary)
	}

	res := callTool(t, srv, "relay_set_primary", `{"provider_id":"Z"}`)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "Unknown provider") {
		t.Errorf("expected unknown provider error, got %+v", res)
	}

	if res := callTool(t, srv, "relay_set_primary", `{}`); !res.IsError {
		t.Error("expected error for missing provider_id")
	}
}

func TestToolCallBackendError(t *testing.T) {
	srv := New(&fakeBackend{err: errors.New("connection refused")}, "test", nil)
	res := callTool(t, srv, "relay_cache_stats", "")
	if !res.IsError || !strings.Contains(res.Content[0].Text, "connection refused") {
		t.Errorf("expected backend error, got %+v", res)
	}
}

func TestUnknownTool(t *testing.T) {
	srv := New(&fakeBackend{}, "test", nil)
	res := callTool(t, srv, "relay_nope", "")
	if !res.IsError {
		t.Error("expected error result for unknown tool")
	}
}
