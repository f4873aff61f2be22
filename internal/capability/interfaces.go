// Package capability defines the external capabilities Quietmind depends on
// (embedding, sentiment classification, notification delivery) together with
// the resilience wrappers applied to their clients. Only the call contracts
// live here; inference internals belong to the providers.
package capability

import (
	"context"
	"errors"

	"github.com/quietmind/quietmind/pkg/types"
)

var (
	// ErrEmbeddingUnavailable indicates the embedding capability failed or is
	// unreachable. Ingestion surfaces it without creating a partial record.
	ErrEmbeddingUnavailable = errors.New("embedding capability unavailable")

	// ErrSentimentUnavailable indicates the sentiment capability failed or is
	// unreachable. Ingestion surfaces it without creating a partial record.
	ErrSentimentUnavailable = errors.New("sentiment capability unavailable")

	// ErrDeliveryFailed indicates a notification delivery failure. Timeouts
	// count as failures for retry purposes.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

// Embedder converts text into a fixed-length embedding vector. The result is
// deterministic for a fixed model version.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the width of the vectors this embedder produces.
	Dimensions() int
}

// SentimentAnalyzer classifies the sentiment of a text as a (label, score)
// pair with score in [-1, 1].
type SentimentAnalyzer interface {
	Classify(ctx context.Context, text string) (types.Sentiment, error)
}

// Notifier delivers a message to a user through the external messaging
// channel. An error (including a timeout) means the delivery must be retried
// or abandoned by the caller's policy; at-least-once is the contract.
type Notifier interface {
	Deliver(ctx context.Context, userID, message string) error
}
