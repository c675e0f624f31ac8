// Package client is a typed HTTP client for the relay control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pario-ai/relay/pkg/models"
	"github.com/pario-ai/relay/pkg/registry"
	"github.com/pario-ai/relay/pkg/router"
)

// DefaultBaseURL is used when New is given an empty base URL.
const DefaultBaseURL = "http://localhost:8080"

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Is maps well-known statuses onto the server-side sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case router.ErrRateLimitExceeded:
		return e.StatusCode == http.StatusTooManyRequests
	case router.ErrAllProvidersExhausted:
		return e.StatusCode == http.StatusBadGateway
	case registry.ErrUnknownProvider:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Client talks to a running relay server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for baseURL. A nil httpClient uses a 60s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Route sends a query through the relay. An empty tier uses the default.
func (c *Client) Route(ctx context.Context, query, tier string) (*models.RouteResponse, error) {
	var out models.RouteResponse
	err := c.do(ctx, http.MethodPost, "/v1/route", models.RouteRequest{Query: query, Tier: tier}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CacheStats(ctx context.Context) (models.CacheStats, error) {
	var out models.CacheStats
	err := c.do(ctx, http.MethodGet, "/cache/stats", nil, &out)
	return out, err
}

// CacheEntries lists cached entries, most used first. limit <= 0 lists all.
func (c *Client) CacheEntries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	path := "/cache/entries"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.CacheEntry
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cache/clear", nil, nil)
}

func (c *Client) ProviderHealth(ctx context.Context) ([]models.ProviderHealth, error) {
	var out []models.ProviderHealth
	err := c.do(ctx, http.MethodGet, "/providers/health", nil, &out)
	return out, err
}

func (c *Client) ProviderMetrics(ctx context.Context) ([]models.ProviderMetrics, error) {
	var out []models.ProviderMetrics
	err := c.do(ctx, http.MethodGet, "/providers/metrics", nil, &out)
	return out, err
}

// SetPrimary designates the preferred provider.
func (c *Client) SetPrimary(ctx context.Context, providerID string) error {
	return c.do(ctx, http.MethodPost, "/providers/primary", map[string]string{"providerId": providerID}, nil)
}

func (c *Client) Accounting(ctx context.Context) (models.AccountingSnapshot, error) {
	var out models.AccountingSnapshot
	err := c.do(ctx, http.MethodGet, "/accounting", nil, &out)
	return out, err
}

func (c *Client) Admission(ctx context.Context) ([]models.TierStatus, error) {
	var out []models.TierStatus
	err := c.do(ctx, http.MethodGet, "/admission", nil, &out)
	return out, err
}

// LedgerSummary returns persisted totals for the trailing window.
func (c *Client) LedgerSummary(ctx context.Context, window time.Duration) (models.LedgerReport, error) {
	path := "/ledger/summary"
	if window > 0 {
		path += "?since=" + url.QueryEscape(window.String())
	}
	var out models.LedgerReport
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) LedgerRecent(ctx context.Context, limit int) ([]models.RoutingOutcome, error) {
	path := "/ledger/recent"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.RoutingOutcome
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func apiError(resp *http.Response, data []byte) error {
	e := &APIError{StatusCode: resp.StatusCode}
	var wire struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err == nil && wire.Error.Message != "" {
		e.Message = wire.Error.Message
	} else {
		e.Message = strings.TrimSpace(string(data))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// IsUnavailable reports whether err means the relay could not be reached.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return err != nil && !errors.As(err, &apiErr) && !errors.Is(err, context.Canceled)
}
