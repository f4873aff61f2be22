package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quietmind/quietmind/pkg/types"
)

// Ensure *OpenAIClient implements both capability interfaces at compile time.
var (
	_ Embedder          = (*OpenAIClient)(nil)
	_ SentimentAnalyzer = (*OpenAIClient)(nil)
)

// OpenAIConfig configures the OpenAI-backed capability client.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	SentimentModel string
	Dimensions     int
}

// OpenAIClient implements Embedder and SentimentAnalyzer against the OpenAI
// API (or any compatible endpoint via BaseURL).
type OpenAIClient struct {
	client         *openai.Client
	embeddingModel openai.EmbeddingModel
	sentimentModel string
	dimensions     int
}

// NewOpenAIClient creates a capability client from the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	embeddingModel := openai.EmbeddingModel(cfg.EmbeddingModel)
	if cfg.EmbeddingModel == "" {
		embeddingModel = openai.SmallEmbedding3
	}

	sentimentModel := cfg.SentimentModel
	if sentimentModel == "" {
		sentimentModel = openai.GPT3Dot5Turbo
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(config),
		embeddingModel: embeddingModel,
		sentimentModel: sentimentModel,
		dimensions:     dimensions,
	}, nil
}

// Embed converts text into an embedding vector.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: c.embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no data returned", ErrEmbeddingUnavailable)
	}

	return resp.Data[0].Embedding, nil
}

// Dimensions returns the embedding vector width.
func (c *OpenAIClient) Dimensions() int {
	return c.dimensions
}

// sentimentPrompt instructs the model to return a strict JSON classification.
const sentimentPrompt = `Classify the emotional sentiment of the user message.
Respond with only a JSON object of the form {"label": "<label>", "score": <score>}.
label is one word (e.g. happy, sad, anxious, grateful, neutral, angry, excited).
score is a number between -1.0 (most negative) and 1.0 (most positive).`

// Classify classifies the sentiment of text via a chat completion.
func (c *OpenAIClient) Classify(ctx context.Context, text string) (types.Sentiment, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.sentimentModel,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: sentimentPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return types.Sentiment{}, fmt.Errorf("%w: %v", ErrSentimentUnavailable, err)
	}

	if len(resp.Choices) == 0 {
		return types.Sentiment{}, fmt.Errorf("%w: no choices returned", ErrSentimentUnavailable)
	}

	sentiment, err := parseSentimentResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return types.Sentiment{}, fmt.Errorf("%w: %v", ErrSentimentUnavailable, err)
	}
	return sentiment, nil
}

// parseSentimentResponse extracts the (label, score) pair from the model's
// JSON response, tolerating surrounding prose or code fences.
func parseSentimentResponse(content string) (types.Sentiment, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return types.Sentiment{}, fmt.Errorf("no JSON object in response %q", content)
	}

	var s types.Sentiment
	if err := json.Unmarshal([]byte(content[start:end+1]), &s); err != nil {
		return types.Sentiment{}, fmt.Errorf("failed to parse response: %v", err)
	}

	if s.Label == "" {
		return types.Sentiment{}, fmt.Errorf("response missing label")
	}
	if s.Score < -1 {
		s.Score = -1
	}
	if s.Score > 1 {
		s.Score = 1
	}
	return s, nil
}
