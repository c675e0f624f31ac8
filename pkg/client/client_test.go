package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/registry"
	"github.com/pario-ai/relay/pkg/router"
)

func TestRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/route", r.URL.Path)
		var req models.RouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hello", req.Query)
		require.Equal(t, "paid", req.Tier)
		json.NewEncoder(w).Encode(models.RouteResponse{ID: "r1", ProviderID: "A", Payload: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, nil).Route(context.Background(), "hello", "paid")
	require.NoError(t, err)
	require.Equal(t, "r1", resp.ID)
	require.Equal(t, "A", resp.ProviderID)
	require.JSONEq(t, `{"ok":true}`, string(resp.Payload))
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/route":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limit exceeded","type":"relay_error","code":429}}`))
		case "/providers/primary":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"unknown provider","type":"relay_error","code":404}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()
	c := New(srv.URL, nil)
	ctx := context.Background()

	_, err := c.Route(ctx, "q", "")
	require.ErrorIs(t, err, router.ErrRateLimitExceeded)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "rate limit exceeded", apiErr.Message)
	require.Equal(t, 7*time.Second, apiErr.RetryAfter)
	require.False(t, IsUnavailable(err))

	err = c.SetPrimary(ctx, "Z")
	require.ErrorIs(t, err, registry.ErrUnknownProvider)

	_, err = c.CacheStats(ctx)
	require.ErrorIs(t, err, router.ErrAllProvidersExhausted)
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "upstream down", apiErr.Message)
}

func TestQueryParameters(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.RequestURI())
		switch r.URL.Path {
		case "/ledger/summary":
			json.NewEncoder(w).Encode(models.LedgerReport{Totals: models.LedgerSummary{Requests: 4}})
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL+"/", nil)
	ctx := context.Background()

	report, err := c.LedgerSummary(ctx, 2*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 4, report.Totals.Requests)

	_, err = c.CacheEntries(ctx, 5)
	require.NoError(t, err)
	_, err = c.LedgerRecent(ctx, 0)
	require.NoError(t, err)

	require.Equal(t, []string{"/ledger/summary?since=2h0m0s", "/cache/entries?limit=5", "/ledger/recent"}, seen)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(addr, nil).ProviderHealth(context.Background())
	require.Error(t, err)
	require.True(t, IsUnavailable(err))
}
