package embedding

import (
	"context"
	"strings"

	"google.golang.org/genai"
)

// Gemini embeds text with the Gemini API.
type Gemini struct {
	apiKey string
	model  string
}

// NewGemini creates a Gemini gateway.
func NewGemini(apiKey, model string) *Gemini {
	return &Gemini{apiKey: strings.TrimSpace(apiKey), model: model}
}

// Model returns the embedding model name.
func (g *Gemini) Model() string { return g.model }

// Embed returns the embedding of text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.apiKey == "" {
		return nil, ErrUnavailable
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.EmbedContent(
		ctx,
		g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}},
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrUnavailable
	}
	return resp.Embeddings[0].Values, nil
}
