// Package embedding adapts external embedding services to the Gateway
// interface consumed by the similarity cache.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pario-ai/relay/pkg/config"
)

// ErrUnavailable is returned when the gateway is not configured or the
// upstream returned no vector.
var ErrUnavailable = errors.New("embedding gateway unavailable")

// Gateway converts text into a fixed-length vector.
type Gateway interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Func adapts a plain function to Gateway. Handy for tests.
type Func func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

// Model returns an empty name.
func (f Func) Model() string { return "" }

// Normalize canonicalizes query text before hashing and embedding:
// surrounding space trimmed, inner whitespace collapsed, lowercased.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// New builds the gateway selected by cfg, wrapped in an LRU memo when
// cfg.CacheSize is positive.
func New(cfg config.EmbeddingConfig) (Gateway, error) {
	var g Gateway
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "openai":
		g = NewOpenAI(cfg.URL, cfg.APIKey, cfg.Model)
	case "gemini":
		g = NewGemini(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding type: %s", cfg.Type)
	}
	return WithLRU(g, cfg.CacheSize, cfg.CacheTTL), nil
}
