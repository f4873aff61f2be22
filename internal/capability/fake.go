package capability

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/quietmind/quietmind/pkg/types"
)

// FakeEmbedder is a deterministic in-process Embedder for tests and local
// development. Vectors are derived from token hashes, so identical texts map
// to identical vectors and texts sharing words land near each other.
type FakeEmbedder struct {
	Dim int

	// Fixed, when set, overrides derivation and returns the same vector for
	// every input. Useful for forcing similarity ties.
	Fixed []float32

	// Err, when set, is returned from every call.
	Err error
}

// Embed derives a unit vector from the token hashes of text.
func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Fixed != nil {
		return f.Fixed, nil
	}

	dim := f.Dimensions()
	vec := make([]float32, dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32())%dim] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / n)
		}
	}
	return vec, nil
}

// Dimensions returns the configured width (default 64).
func (f *FakeEmbedder) Dimensions() int {
	if f.Dim <= 0 {
		return 64
	}
	return f.Dim
}

// positiveWords and negativeWords form the small lexicon the fake analyzer
// scores against.
var (
	positiveWords = []string{
		"good", "great", "excellent", "amazing", "wonderful", "fantastic",
		"love", "like", "enjoy", "happy", "excited", "grateful",
	}
	negativeWords = []string{
		"bad", "terrible", "awful", "hate", "dislike", "sad",
		"angry", "frustrated", "disappointed", "upset", "anxious", "worried",
	}
)

// FakeSentimentAnalyzer is a lexicon-based SentimentAnalyzer for tests and
// local development. It counts positive and negative words and maps the
// balance to a label and a score in [-1, 1].
type FakeSentimentAnalyzer struct {
	// Err, when set, is returned from every call.
	Err error
}

// Classify scores text against the word lexicon.
func (f *FakeSentimentAnalyzer) Classify(_ context.Context, text string) (types.Sentiment, error) {
	if f.Err != nil {
		return types.Sentiment{}, f.Err
	}

	words := strings.Fields(strings.ToLower(text))
	var positive, negative int
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:'\"")
		if contains(positiveWords, w) {
			positive++
		}
		if contains(negativeWords, w) {
			negative++
		}
	}

	switch {
	case positive > negative:
		score := math.Min(0.9, float64(positive-negative)/math.Max(1, float64(len(words)))*10)
		return types.Sentiment{Label: "positive", Score: score}, nil
	case negative > positive:
		score := math.Min(0.9, float64(negative-positive)/math.Max(1, float64(len(words)))*10)
		return types.Sentiment{Label: "negative", Score: -score}, nil
	default:
		return types.Sentiment{Label: "neutral", Score: 0}, nil
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// FakeNotifier records deliveries and can be scripted to fail a number of
// times before succeeding. Safe for concurrent use.
type FakeNotifier struct {
	mu sync.Mutex

	// FailCount is the number of initial deliveries that fail.
	FailCount int

	// Err overrides the default delivery error when failing.
	Err error

	delivered []FakeDelivery
	attempts  int
}

// FakeDelivery is one recorded successful delivery.
type FakeDelivery struct {
	UserID  string
	Message string
}

// Deliver fails while scripted failures remain, then records the delivery.
func (f *FakeNotifier) Deliver(_ context.Context, userID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.attempts <= f.FailCount {
		if f.Err != nil {
			return f.Err
		}
		return ErrDeliveryFailed
	}

	f.delivered = append(f.delivered, FakeDelivery{UserID: userID, Message: message})
	return nil
}

// Attempts returns the total number of delivery attempts.
func (f *FakeNotifier) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Delivered returns a copy of the recorded successful deliveries.
func (f *FakeNotifier) Delivered() []FakeDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeDelivery, len(f.delivered))
	copy(out, f.delivered)
	return out
}
