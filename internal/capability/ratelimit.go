package capability

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/quietmind/quietmind/pkg/types"
)

// RateLimitedEmbedder bounds the request rate against the embedding endpoint.
// Wait blocks until a token is available or the context is cancelled, so
// callers see backpressure instead of provider-side throttling errors.
type RateLimitedEmbedder struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder wraps inner with a token-bucket limiter of rps
// requests per second (burst of one bucket second).
func NewRateLimitedEmbedder(inner Embedder, rps float64) *RateLimitedEmbedder {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedEmbedder{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Embed waits for rate-limit clearance, then calls the inner embedder.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	return r.inner.Embed(ctx, text)
}

// Dimensions returns the inner embedder's vector width.
func (r *RateLimitedEmbedder) Dimensions() int {
	return r.inner.Dimensions()
}

// RateLimitedSentimentAnalyzer bounds the request rate against the sentiment
// endpoint.
type RateLimitedSentimentAnalyzer struct {
	inner   SentimentAnalyzer
	limiter *rate.Limiter
}

// NewRateLimitedSentimentAnalyzer wraps inner with a token-bucket limiter of
// rps requests per second.
func NewRateLimitedSentimentAnalyzer(inner SentimentAnalyzer, rps float64) *RateLimitedSentimentAnalyzer {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedSentimentAnalyzer{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Classify waits for rate-limit clearance, then calls the inner analyzer.
func (r *RateLimitedSentimentAnalyzer) Classify(ctx context.Context, text string) (types.Sentiment, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return types.Sentiment{}, fmt.Errorf("%w: %v", ErrSentimentUnavailable, err)
	}
	return r.inner.Classify(ctx, text)
}
