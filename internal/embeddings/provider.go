package embeddings

import (
	"fmt"

	"github.com/fyrsmithlabs/estimatord/internal/config"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// NewProvider builds the configured embedder, instrumented and rate limited.
// meter and tracer may be nil.
func NewProvider(cfg config.EmbeddingsConfig, meter metric.Meter, tracer trace.Tracer, logger *zap.Logger) (Embedder, error) {
	var base Embedder
	switch cfg.Provider {
	case "openai", "":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:    cfg.APIKey.Value(),
			Model:     cfg.Model,
			BaseURL:   cfg.BaseURL,
			Dimension: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		base = e
	case "tei":
		e, err := NewTEIEmbedder(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimensions,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		base = e
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}

	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}
	instrumented := NewInstrumented(base, provider, cfg.Model, meter, tracer, logger)
	return NewRateLimited(instrumented, cfg.RequestsPerSecond, cfg.Burst), nil
}
