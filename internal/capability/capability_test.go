package capability

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIClientModelSelection(t *testing.T) {
	c, err := NewOpenAIClient(OpenAIConfig{
		APIKey:         "test-key",
		EmbeddingModel: "text-embedding-3-small",
		SentimentModel: "gpt-4o-mini",
	})
	require.NoError(t, err)
	assert.Equal(t, openai.SmallEmbedding3, c.embeddingModel)
	assert.Equal(t, "gpt-4o-mini", c.sentimentModel)

	defaulted, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, openai.SmallEmbedding3, defaulted.embeddingModel)
	assert.Equal(t, openai.GPT3Dot5Turbo, defaulted.sentimentModel)
	assert.Equal(t, 1536, defaulted.Dimensions())

	_, err = NewOpenAIClient(OpenAIConfig{})
	assert.Error(t, err, "an API key is required")
}

func TestFakeEmbedderIsDeterministic(t *testing.T) {
	f := &FakeEmbedder{}
	ctx := context.Background()

	a, err := f.Embed(ctx, "walk by the river")
	require.NoError(t, err)
	b, err := f.Embed(ctx, "walk by the river")
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical texts must embed identically")

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6, "embeddings are unit vectors")
}

func TestFakeEmbedderSharedWordsOverlap(t *testing.T) {
	f := &FakeEmbedder{}
	ctx := context.Background()

	a, _ := f.Embed(ctx, "sunrise hike ridge")
	b, _ := f.Embed(ctx, "sunrise hike valley")
	c, _ := f.Embed(ctx, "quarterly tax deadline")

	dot := func(x, y []float32) float64 {
		var sum float64
		for i := range x {
			sum += float64(x[i]) * float64(y[i])
		}
		return sum
	}

	assert.Greater(t, dot(a, b), dot(a, c), "texts sharing words must land closer")
}

func TestFakeSentimentAnalyzerLexicon(t *testing.T) {
	f := &FakeSentimentAnalyzer{}
	ctx := context.Background()

	pos, err := f.Classify(ctx, "what a wonderful, happy day!")
	require.NoError(t, err)
	assert.Equal(t, "positive", pos.Label)
	assert.Greater(t, pos.Score, 0.0)
	assert.LessOrEqual(t, pos.Score, 0.9)

	neg, err := f.Classify(ctx, "terrible traffic, so frustrated and angry")
	require.NoError(t, err)
	assert.Equal(t, "negative", neg.Label)
	assert.Less(t, neg.Score, 0.0)

	neu, err := f.Classify(ctx, "picked up the groceries")
	require.NoError(t, err)
	assert.Equal(t, "neutral", neu.Label)
	assert.Zero(t, neu.Score)
}

func TestFakeNotifierScriptedFailures(t *testing.T) {
	n := &FakeNotifier{FailCount: 2}
	ctx := context.Background()

	assert.Error(t, n.Deliver(ctx, "user-1", "first"))
	assert.Error(t, n.Deliver(ctx, "user-1", "second"))
	assert.NoError(t, n.Deliver(ctx, "user-1", "third"))

	assert.Equal(t, 3, n.Attempts())
	require.Len(t, n.Delivered(), 1)
	assert.Equal(t, "third", n.Delivered()[0].Message)
}

func TestParseSentimentResponse(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantLabel string
		wantScore float64
		wantErr   bool
	}{
		{
			name:      "bare json",
			content:   `{"label": "happy", "score": 0.8}`,
			wantLabel: "happy",
			wantScore: 0.8,
		},
		{
			name:      "fenced json",
			content:   "```json\n{\"label\": \"anxious\", \"score\": -0.6}\n```",
			wantLabel: "anxious",
			wantScore: -0.6,
		},
		{
			name:      "surrounding prose",
			content:   `Sure! Here is the classification: {"label": "neutral", "score": 0} as requested.`,
			wantLabel: "neutral",
			wantScore: 0,
		},
		{
			name:      "score clamped",
			content:   `{"label": "ecstatic", "score": 3.5}`,
			wantLabel: "ecstatic",
			wantScore: 1,
		},
		{
			name:    "no json",
			content: "I cannot classify that.",
			wantErr: true,
		},
		{
			name:    "missing label",
			content: `{"score": 0.5}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSentimentResponse(tt.content)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, got.Label)
			assert.InDelta(t, tt.wantScore, got.Score, 1e-9)
		})
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &FakeEmbedder{Err: errors.New("endpoint down")}
	b := NewBreakerEmbedder(inner, BreakerConfig{
		MaxFailures:          3,
		Timeout:              time.Minute,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Embed(ctx, "text")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen, "breaker must pass through failures until it trips")
	}

	_, err := b.Embed(ctx, "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := NewBreakerEmbedder(&FakeEmbedder{}, DefaultBreakerConfig())

	vec, err := b.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, vec)
	assert.Equal(t, 64, b.Dimensions())
}

func TestRateLimiterBlocksUntilCancelled(t *testing.T) {
	// 1 rps with burst 1: the first call consumes the bucket, the second
	// must block and then fail when the context is cancelled.
	r := NewRateLimitedEmbedder(&FakeEmbedder{}, 1)
	ctx := context.Background()

	_, err := r.Embed(ctx, "first")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.Embed(shortCtx, "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}
