package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to the wrapped embedder so bulk ingestion
// stays under the provider's request quota.
type RateLimited struct {
	next    Embedder
	limiter *rate.Limiter
}

var _ Embedder = (*RateLimited)(nil)

// NewRateLimited allows rps requests per second with the given burst.
// A non-positive rps disables limiting and returns next unchanged.
func NewRateLimited(next Embedder, rps float64, burst int) Embedder {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for embedding quota: %w", err)
	}
	return r.next.Embed(ctx, text)
}

func (r *RateLimited) Dimension() int { return r.next.Dimension() }
