// Package embed adapts embedding models to the vectors consumed by the
// tool-result cache.
package embed

import (
	"context"
	"fmt"
	"math"

	ollamaEmbed "github.com/cloudwego/eino-ext/components/embedding/ollama"
	openaiEmbed "github.com/cloudwego/eino-ext/components/embedding/openai"
	"github.com/cloudwego/eino/components/embedding"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config selects an embedding backend.
type Config struct {
	Provider   string `json:"provider" yaml:"provider" validate:"omitempty,oneof=hash openai ollama"`
	Model      string `json:"model,omitempty" yaml:"model"`
	APIKey     string `json:"-" yaml:"api_key"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions"`
}

const (
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultOllamaURL   = "http://localhost:11434"
)

// New builds the Embedder described by cfg. An empty provider selects the
// local hash embedder.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "", ProviderHash:
		return NewHashEmbedder(cfg.Dimensions), nil

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding: API key is required")
		}
		model := cfg.Model
		if model == "" {
			model = DefaultOpenAIModel
		}
		ec := &openaiEmbed.EmbeddingConfig{
			Model:   model,
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
		}
		if cfg.Dimensions > 0 {
			dims := cfg.Dimensions
			ec.Dimensions = &dims
		}
		e, err := openaiEmbed.NewEmbedder(ctx, ec)
		if err != nil {
			return nil, fmt.Errorf("openai embedding: %w", err)
		}
		return FromEino(e), nil

	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = DefaultOllamaURL
		}
		model := cfg.Model
		if model == "" {
			model = DefaultOllamaModel
		}
		e, err := ollamaEmbed.NewEmbedder(ctx, &ollamaEmbed.EmbeddingConfig{
			BaseURL: baseURL,
			Model:   model,
		})
		if err != nil {
			return nil, fmt.Errorf("ollama embedding: %w", err)
		}
		return FromEino(e), nil

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (supported: hash, openai, ollama)", cfg.Provider)
	}
}

// EinoEmbedder wraps an eino embedding.Embedder.
type EinoEmbedder struct {
	inner embedding.Embedder
}

// FromEino adapts an eino embedder.
func FromEino(e embedding.Embedder) *EinoEmbedder {
	return &EinoEmbedder{inner: e}
}

// Embed implements Embedder.
func (e *EinoEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.inner.EmbedStrings(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embed: model returned no vectors")
	}
	out := make([]float32, len(vecs[0]))
	for i, v := range vecs[0] {
		out[i] = float32(v)
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b clamped to [0, 1]. Vectors
// of different length are compared over the shorter prefix; a zero vector
// yields 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case sim < 0 || math.IsNaN(sim):
		return 0
	case sim > 1:
		return 1
	}
	return sim
}
