package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Yates-Labs/spoilerguard/internal/retry"
)

// Common errors for embedding operations
var (
	ErrEmptyTexts       = errors.New("no texts provided for embedding")
	ErrMissingAPIKey    = errors.New("OPENAI_API_KEY environment variable not set")
	ErrEmbeddingFailed  = errors.New("embedding generation failed")
	ErrInvalidDimension = errors.New("invalid vector dimension")
	ErrSpaceMismatch    = errors.New("embedder belongs to another embedding space")
)

// Space names one of the two embedding spaces. Vectors from different spaces
// are never compared.
type Space string

const (
	// SpaceContent holds subtitle chunks and the questions searched against them.
	SpaceContent Space = "content"
	// SpaceCompact holds season digests and the questions searched against them.
	SpaceCompact Space = "compact"
)

const (
	ContentDimension = 1536
	CompactDimension = 384

	// Input is cut to a safe prefix before submission.
	ContentMaxChars = 8000
	CompactMaxChars = 500
)

// EmbeddingRecord represents a single text embedding with metadata
type EmbeddingRecord struct {
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
	Model     string    `json:"model"`
}

// Embedder defines the interface for generating text embeddings
type Embedder interface {
	// Embed generates embeddings for the provided texts
	Embed(ctx context.Context, texts []string) ([]EmbeddingRecord, error)

	// GetModel returns the embedding model identifier
	GetModel() string

	// GetDimension returns the embedding vector dimension
	GetDimension() int

	// Space returns the embedding space the vectors belong to
	Space() Space
}

// CheckSpace returns ErrSpaceMismatch unless embedder produces vectors in want.
func CheckSpace(embedder Embedder, want Space) error {
	if got := embedder.Space(); got != want {
		return fmt.Errorf("%w: %s embedder used for %s vectors", ErrSpaceMismatch, got, want)
	}
	return nil
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, embedder Embedder, text string) ([]float32, error) {
	records, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(records) != 1 {
		return nil, fmt.Errorf("%w: expected 1 record, got %d", ErrEmbeddingFailed, len(records))
	}
	return records[0].Embedding, nil
}

// TruncateText cuts text to at most maxChars bytes without splitting a rune.
func TruncateText(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// ValidateVector rejects vectors of the wrong length, with NaN or infinite
// components, or with every component zero.
func ValidateVector(vec []float32, dimension int) error {
	if len(vec) != dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, dimension, len(vec))
	}
	nonZero := false
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("vector contains non-finite values")
		}
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return fmt.Errorf("vector is all zeros")
	}
	return nil
}

// OpenAIEmbedderConfig configures the content-space embedder.
type OpenAIEmbedderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Retry     retry.Policy
}

// OpenAIEmbedder implements the Embedder interface using OpenAI's API
type OpenAIEmbedder struct {
	client    openai.Client
	model     string
	dimension int
	maxChars  int
	policy    retry.Policy
}

// NewOpenAIEmbedder creates a new OpenAI embedder instance. The API key falls
// back to OPENAI_API_KEY.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = ContentDimension
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEmbedder{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		maxChars:  ContentMaxChars,
		policy:    cfg.Retry,
	}, nil
}

// GetModel returns the embedding model identifier
func (e *OpenAIEmbedder) GetModel() string {
	return e.model
}

// GetDimension returns the embedding vector dimension
func (e *OpenAIEmbedder) GetDimension() int {
	return e.dimension
}

func (e *OpenAIEmbedder) Space() Space { return SpaceContent }

// Embed generates embeddings for the provided texts using OpenAI's API.
// Either every text gets a validated vector or an error is returned.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([]EmbeddingRecord, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyTexts
	}

	inputs := make([]string, len(texts))
	for i, text := range texts {
		inputs[i] = TruncateText(text, e.maxChars)
	}

	resp, err := retry.DoValue(ctx, e.policy, func(ctx context.Context) (*openai.CreateEmbeddingResponse, error) {
		resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: inputs,
			},
			Model:          e.model,
			Dimensions:     openai.Int(int64(e.dimension)),
			EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
		})
		if err != nil {
			return nil, transientOpenAIError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrEmbeddingFailed, len(texts), len(resp.Data))
	}

	records := make([]EmbeddingRecord, len(texts))
	for _, data := range resp.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbeddingFailed, idx)
		}

		// Convert []float64 to []float32
		embedding := make([]float32, len(data.Embedding))
		for j, val := range data.Embedding {
			embedding[j] = float32(val)
		}
		if err := ValidateVector(embedding, e.dimension); err != nil {
			return nil, fmt.Errorf("%w: text %d: %v", ErrEmbeddingFailed, idx, err)
		}

		records[idx] = EmbeddingRecord{
			Text:      texts[idx],
			Embedding: embedding,
			Index:     idx,
			Model:     e.model,
		}
	}

	return records, nil
}

// transientOpenAIError marks rate-limit and server failures as retryable.
// Exhausted quota is terminal and passes through unchanged.
func transientOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Code == "insufficient_quota" {
		return err
	}
	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError {
		var hint time.Duration
		if apiErr.Response != nil {
			hint, _ = retry.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return retry.Transient(err, hint)
	}
	return err
}
