// Package llm wraps the OpenAI-compatible gateway used for
// classification and embeddings.
package llm

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"sync_server/core/port/out"
	"sync_server/pkg/apperr"
	"sync_server/pkg/httputil"
)

// Classification wants stable output, so the default temperature stays
// near zero.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultEmbedModel  = "text-embedding-3-small"
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 1024
	DefaultTimeout     = 30 * time.Second
)

type Client struct {
	client      *openai.Client
	model       string
	embedModel  string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

type ClientConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	EmbedModel  string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

func NewClient(apiKey string) *Client {
	return NewClientWithConfig(ClientConfig{APIKey: apiKey})
}

func NewClientWithConfig(cfg ClientConfig) *Client {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = DefaultEmbedModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = cfg.BaseURL
	}
	oaCfg.HTTPClient = httputil.OpenAIClient()
	return &Client{
		client:      openai.NewClientWithConfig(oaCfg),
		model:       model,
		embedModel:  embedModel,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temperature),
		timeout:     timeout,
	}
}

var _ out.LLMGateway = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
}

func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	})
}

func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", apperr.ClassificationUnavailable(err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.ClassificationUnavailable(nil).WithDetail("reason", "no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) Embedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbeddingBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.ClassificationUnavailable(nil).WithDetail("reason", "no embedding data")
	}
	return vectors[0], nil
}

func (c *Client) EmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: texts,
	})
	if err != nil {
		return nil, apperr.ClassificationUnavailable(err)
	}

	result := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		result[i] = data.Embedding
	}
	return result, nil
}
