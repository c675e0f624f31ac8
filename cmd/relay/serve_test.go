package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/ledger"
	"github.com/pario-ai/relay/pkg/models"
)

// embedServer returns a fixed direction per topic so paraphrases embed
// close together.
func embedServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		vec := []float32{0, 1, 0}
		if strings.Contains(req.Input, "france") {
			vec = []float32{1, 0, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		})
	}))
}

func upstreamServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-mini",
			Choices: []models.Choice{
				{Message: models.ChatMessage{Role: "assistant", Content: "Paris"}, FinishReason: "stop"},
			},
		})
	}))
}

func testConfig(t *testing.T, upstream, embed string) *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.DBPath = filepath.Join(t.TempDir(), "relay.db")
	cfg.Providers = []config.ProviderConfig{
		{Name: "a", URL: upstream, APIKey: "sk-a", CostPerRequest: 0.01},
		{Name: "b", URL: upstream, APIKey: "sk-b", CostPerRequest: 0.001},
	}
	cfg.Primary = "a"
	cfg.Embedding.URL = embed + "/v1"
	cfg.Embedding.APIKey = "sk-embed"
	cfg.Cache.Persist = true
	cfg.Accounting.Persist = true
	cfg.Admission = config.AdmissionConfig{
		DefaultTier: "free",
		Tiers:       []config.TierConfig{{Name: "free", Limit: 10, Window: time.Minute}},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func route(t *testing.T, a *app, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(`{"query":"`+query+`"}`))
	w := httptest.NewRecorder()
	a.server.ServeHTTP(w, req)
	return w
}

func TestBuildAppRoutesAndPersists(t *testing.T) {
	var calls atomic.Int32
	up := upstreamServer(t, &calls)
	defer up.Close()
	emb := embedServer(t)
	defer emb.Close()

	cfg := testConfig(t, up.URL, emb.URL)
	ctx := context.Background()

	a, err := buildApp(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	w := route(t, a, "what is the capital of france")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "miss", w.Header().Get("X-Relay-Cache"))

	w = route(t, a, "tell me the capital of france")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "hit", w.Header().Get("X-Relay-Cache"))
	require.EqualValues(t, 1, calls.Load())

	a.Close()

	// A restart warms the cache from disk.
	b, err := buildApp(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.EqualValues(t, 1, b.cache.Stats().EntryCount)
	w = route(t, b, "capital city of france please")
	require.Equal(t, "hit", w.Header().Get("X-Relay-Cache"))
	require.EqualValues(t, 1, calls.Load())
	b.Close()

	led, err := ledger.New(cfg.DBPath)
	require.NoError(t, err)
	defer led.Close()
	totals, err := led.Totals(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, totals.Requests)
	require.Equal(t, 2, totals.CacheHits)
	require.InDelta(t, 0.02, totals.CostAvoided, 1e-9)
}

func TestReloadAppliesTiersAndPrimary(t *testing.T) {
	var calls atomic.Int32
	up := upstreamServer(t, &calls)
	defer up.Close()
	emb := embedServer(t)
	defer emb.Close()

	cfg := testConfig(t, up.URL, emb.URL)
	cfg.Cache.Enabled = false
	cfg.Accounting.Persist = false

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	next := *cfg
	next.Primary = "b"
	next.Admission = config.AdmissionConfig{
		DefaultTier: "free",
		Tiers:       []config.TierConfig{{Name: "free", Limit: 1, Window: time.Minute}},
	}
	a.Reload(&next)
	require.Equal(t, "b", a.registry.Primary())

	w := route(t, a, "hello")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp models.RouteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "b", resp.ProviderID)

	w = route(t, a, "hello")
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	w = httptest.NewRecorder()
	a.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
