package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput indicates empty or whitespace-only input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider could not produce a vector.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch indicates the provider returned a vector of an
	// unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder produces a fixed-length vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the length of every vector Embed returns.
	Dimension() int
}

var knownDimensions = map[string]int{
	"text-embedding-3-large":         3072,
	"text-embedding-3-small":         1536,
	"text-embedding-ada-002":         1536,
	"BAAI/bge-small-en-v1.5":         384,
	"BAAI/bge-base-en-v1.5":          768,
	"BAAI/bge-large-en-v1.5":         1024,
	"nomic-ai/nomic-embed-text-v1.5": 768,
}

// ModelDimension returns the output dimension of a known model.
func ModelDimension(model string) (int, bool) {
	d, ok := knownDimensions[model]
	return d, ok
}

// resolveDimension prefers the configured dimension and falls back to the
// model table.
func resolveDimension(model string, configured int) (int, error) {
	if configured > 0 {
		return configured, nil
	}
	if d, ok := ModelDimension(model); ok {
		return d, nil
	}
	return 0, fmt.Errorf("%w: dimension unknown for model %q", ErrInvalidConfig, model)
}

func prepareInput(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyInput
	}
	return text, nil
}

func checkDimension(v []float32, want int) ([]float32, error) {
	if len(v) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), want)
	}
	return v, nil
}
