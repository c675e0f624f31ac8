package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pario-ai/relay/pkg/config"
	"github.com/pario-ai/relay/pkg/metrics"
	"github.com/pario-ai/relay/pkg/models"
)

const (
	anthropicVersion   = "2023-06-01"
	defaultMaxTokens   = 1024
	maxErrorBodyLength = 512
)

type upstream struct {
	cfg     config.ProviderConfig
	limiter *rate.Limiter
}

// HTTPDispatcher sends single-message completions to OpenAI-compatible and
// Anthropic upstreams. Providers with max_rps set are paced by a token
// bucket.
type HTTPDispatcher struct {
	upstreams map[string]*upstream
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPDispatcher creates a dispatcher for the configured providers.
func NewHTTPDispatcher(providers []config.ProviderConfig, logger *zap.Logger) *HTTPDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &HTTPDispatcher{
		upstreams: make(map[string]*upstream, len(providers)),
		client:    http.DefaultClient,
		logger:    logger,
	}
	for _, p := range providers {
		u := &upstream{cfg: p}
		if p.MaxRPS > 0 {
			burst := max(1, int(math.Ceil(p.MaxRPS)))
			u.limiter = rate.NewLimiter(rate.Limit(p.MaxRPS), burst)
		}
		d.upstreams[p.Name] = u
	}
	return d
}

// Send dispatches query to providerID and returns the raw upstream body.
func (d *HTTPDispatcher) Send(ctx context.Context, providerID, query string) (Response, error) {
	u, ok := d.upstreams[providerID]
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return Response{}, classify(ctx, providerID, err)
		}
	}

	start := time.Now()
	resp, err := d.send(ctx, u, query)
	metrics.DispatchDuration.WithLabelValues(providerID).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(providerID, "failure").Inc()
		return Response{}, err
	}
	metrics.DispatchTotal.WithLabelValues(providerID, "success").Inc()
	return resp, nil
}

func (d *HTTPDispatcher) send(ctx context.Context, u *upstream, query string) (Response, error) {
	p := u.cfg
	var (
		path    string
		body    []byte
		headers = map[string]string{}
		err     error
	)
	msgs := []models.ChatMessage{{Role: "user", Content: query}}
	switch strings.ToLower(p.Type) {
	case "anthropic":
		maxTokens := p.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		path = "/v1/messages"
		body, err = json.Marshal(models.AnthropicRequest{Model: p.Model, Messages: msgs, MaxTokens: maxTokens})
		headers["x-api-key"] = p.APIKey
		headers["anthropic-version"] = anthropicVersion
	default:
		req := models.ChatCompletionRequest{Model: p.Model, Messages: msgs}
		if p.MaxTokens > 0 {
			req.MaxTokens = &p.MaxTokens
		}
		path = "/v1/chat/completions"
		body, err = json.Marshal(req)
		headers["Authorization"] = "Bearer " + p.APIKey
	}
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	status, respBody, err := d.do(ctx, p.URL, path, headers, body)
	if err != nil {
		return Response{}, classify(ctx, p.Name, err)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		d.logger.Warn("upstream returned error status",
			zap.String("provider", p.Name),
			zap.Int("status", status))
		return Response{}, &Error{ProviderID: p.Name, StatusCode: status, Body: truncate(string(respBody), maxErrorBodyLength)}
	}

	model, usage := extractUsage(p.Type, respBody)
	return Response{
		Payload: respBody,
		Cost:    cost(p, usage),
		Model:   model,
		Usage:   usage,
	}, nil
}

func (d *HTTPDispatcher) do(ctx context.Context, baseURL, path string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// classify maps transport errors to ErrProviderTimeout, the caller's own
// cancellation, or a *Error.
func classify(ctx context.Context, providerID string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrProviderTimeout, providerID)
	case strings.Contains(err.Error(), "would exceed context deadline"):
		return fmt.Errorf("%w: %s: rate limited", ErrProviderTimeout, providerID)
	default:
		return &Error{ProviderID: providerID, Err: err}
	}
}

func extractUsage(providerType string, body []byte) (string, *models.Usage) {
	if strings.EqualFold(providerType, "anthropic") {
		var ar models.AnthropicResponse
		if err := json.Unmarshal(body, &ar); err != nil || ar.Usage == nil {
			return ar.Model, nil
		}
		return ar.Model, ar.Usage.ToUsage()
	}
	var cr models.ChatCompletionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", nil
	}
	return cr.Model, cr.Usage
}

func cost(p config.ProviderConfig, usage *models.Usage) float64 {
	if usage != nil && !p.Pricing.IsZero() {
		return p.Pricing.Cost(*usage)
	}
	return p.CostPerRequest
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
