package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quietmind/quietmind/pkg/types"
)

// ErrCircuitOpen is returned when the circuit breaker is in open state and
// rejects requests to prevent hammering an unhealthy capability.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds the configuration for capability circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the
	// circuit. Default: 3.
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to
	// half-open. Default: 30 seconds.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in
	// half-open state to close the circuit again. Default: 2.
	HalfOpenMaxSuccesses uint32
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

// newBreaker builds a gobreaker instance from the config.
func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically.
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	})
}

// mapBreakerErr converts gobreaker's open-state error into ErrCircuitOpen
// wrapped in the capability's unavailable sentinel.
func mapBreakerErr(sentinel, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", sentinel, ErrCircuitOpen)
	}
	return err
}

// BreakerEmbedder wraps an Embedder with a circuit breaker.
type BreakerEmbedder struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerEmbedder wraps inner with a circuit breaker.
func NewBreakerEmbedder(inner Embedder, cfg BreakerConfig) *BreakerEmbedder {
	return &BreakerEmbedder{
		inner:   inner,
		breaker: newBreaker("embedder", cfg),
	}
}

// Embed calls the inner embedder through the circuit breaker.
func (b *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, mapBreakerErr(ErrEmbeddingUnavailable, err)
	}
	return result.([]float32), nil
}

// Dimensions returns the inner embedder's vector width.
func (b *BreakerEmbedder) Dimensions() int {
	return b.inner.Dimensions()
}

// BreakerSentimentAnalyzer wraps a SentimentAnalyzer with a circuit breaker.
type BreakerSentimentAnalyzer struct {
	inner   SentimentAnalyzer
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerSentimentAnalyzer wraps inner with a circuit breaker.
func NewBreakerSentimentAnalyzer(inner SentimentAnalyzer, cfg BreakerConfig) *BreakerSentimentAnalyzer {
	return &BreakerSentimentAnalyzer{
		inner:   inner,
		breaker: newBreaker("sentiment", cfg),
	}
}

// Classify calls the inner analyzer through the circuit breaker.
func (b *BreakerSentimentAnalyzer) Classify(ctx context.Context, text string) (types.Sentiment, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Classify(ctx, text)
	})
	if err != nil {
		return types.Sentiment{}, mapBreakerErr(ErrSentimentUnavailable, err)
	}
	return result.(types.Sentiment), nil
}

// BreakerNotifier wraps a Notifier with a circuit breaker. Reminder delivery
// retries already carry their own backoff; the breaker short-circuits calls
// while the delivery channel is down.
type BreakerNotifier struct {
	inner   Notifier
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerNotifier wraps inner with a circuit breaker.
func NewBreakerNotifier(inner Notifier, cfg BreakerConfig) *BreakerNotifier {
	return &BreakerNotifier{
		inner:   inner,
		breaker: newBreaker("notifier", cfg),
	}
}

// Deliver calls the inner notifier through the circuit breaker.
func (b *BreakerNotifier) Deliver(ctx context.Context, userID, message string) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.inner.Deliver(ctx, userID, message)
	})
	if err != nil {
		return mapBreakerErr(ErrDeliveryFailed, err)
	}
	return nil
}
