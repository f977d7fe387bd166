package rag

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

// CompactEmbedderConfig configures the 384-dim embedder served by Ollama.
type CompactEmbedderConfig struct {
	ServerURL string
	Model     string
	Dimension int
	Retry     retry.Policy
}

// CompactEmbedder produces compact-space vectors for season digests and the
// questions matched against them.
type CompactEmbedder struct {
	backend   embeddings.Embedder
	model     string
	dimension int
	maxChars  int
	policy    retry.Policy
}

// NewCompactEmbedder connects to an Ollama server through langchaingo.
func NewCompactEmbedder(cfg CompactEmbedderConfig) (*CompactEmbedder, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.ServerURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
	}
	backend, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return NewCompactEmbedderWithBackend(backend, cfg.Model, cfg.Dimension, cfg.Retry), nil
}

// NewCompactEmbedderWithBackend wraps any langchaingo embedder.
func NewCompactEmbedderWithBackend(backend embeddings.Embedder, model string, dimension int, policy retry.Policy) *CompactEmbedder {
	if dimension <= 0 {
		dimension = CompactDimension
	}
	return &CompactEmbedder{
		backend:   backend,
		model:     model,
		dimension: dimension,
		maxChars:  CompactMaxChars,
		policy:    policy,
	}
}

func (e *CompactEmbedder) GetModel() string  { return e.model }
func (e *CompactEmbedder) GetDimension() int { return e.dimension }
func (e *CompactEmbedder) Space() Space      { return SpaceCompact }

// Embed embeds texts in one backend call and validates every vector.
func (e *CompactEmbedder) Embed(ctx context.Context, texts []string) ([]EmbeddingRecord, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyTexts
	}

	inputs := make([]string, len(texts))
	for i, text := range texts {
		inputs[i] = TruncateText(text, e.maxChars)
	}

	vectors, err := retry.DoValue(ctx, e.policy, func(ctx context.Context) ([][]float32, error) {
		return e.backend.EmbedDocuments(ctx, inputs)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrEmbeddingFailed, len(texts), len(vectors))
	}

	records := make([]EmbeddingRecord, len(texts))
	for i, vec := range vectors {
		if err := ValidateVector(vec, e.dimension); err != nil {
			return nil, fmt.Errorf("%w: text %d: %v", ErrEmbeddingFailed, i, err)
		}
		records[i] = EmbeddingRecord{
			Text:      texts[i],
			Embedding: vec,
			Index:     i,
			Model:     e.model,
		}
	}
	return records, nil
}
