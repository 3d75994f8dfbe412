package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/estimatord/internal/embeddings"

// Instrumented records a span, latency and errors for every embedding.
type Instrumented struct {
	next     Embedder
	model    string
	provider string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	chars    metric.Int64Histogram
	errors   metric.Int64Counter
}

var _ Embedder = (*Instrumented)(nil)

// NewInstrumented wraps next. Nil meter or tracer fall back to the global
// providers. Instrument creation failures are logged and the instrument
// skipped.
func NewInstrumented(next Embedder, provider, model string, meter metric.Meter, tracer trace.Tracer, logger *zap.Logger) *Instrumented {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	i := &Instrumented{next: next, model: model, provider: provider, tracer: tracer}

	var err error
	i.duration, err = meter.Float64Histogram(
		"estimatord.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding generation in seconds by provider and model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	i.chars, err = meter.Int64Histogram(
		"estimatord.embedding.input_chars",
		metric.WithDescription("Length of embedded text in characters"),
		metric.WithUnit("{char}"),
		metric.WithExplicitBucketBoundaries(64, 256, 1024, 4096, 16384, 65536),
	)
	if err != nil {
		logger.Warn("failed to create input size histogram", zap.Error(err))
	}

	i.errors, err = meter.Int64Counter(
		"estimatord.embedding.errors_total",
		metric.WithDescription("Embedding generation failures by provider and model"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}
	return i
}

func (i *Instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	attrs := metric.WithAttributes(
		attribute.String("provider", i.provider),
		attribute.String("model", i.model),
	)
	ctx, span := i.tracer.Start(ctx, "embeddings.Embed", trace.WithAttributes(
		attribute.String("embedding.provider", i.provider),
		attribute.String("embedding.model", i.model),
		attribute.Int("embedding.input_chars", len(text)),
	))
	defer span.End()

	start := time.Now()
	v, err := i.next.Embed(ctx, text)

	if i.duration != nil {
		i.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if i.chars != nil {
		i.chars.Record(ctx, int64(len(text)), attrs)
	}
	if err != nil {
		if i.errors != nil {
			i.errors.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return v, nil
}

func (i *Instrumented) Dimension() int { return i.next.Dimension() }
