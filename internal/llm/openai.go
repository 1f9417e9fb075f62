package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient provides chat completion and embedding calls for the
// retrieval pipeline.
type OpenAIClient struct {
	api        openai.Client
	chatModel  string
	embedModel string
}

// NewOpenAIClient constructs a client for the given key and models.
func NewOpenAIClient(apiKey, chatModel, embedModel string) *OpenAIClient {
	return &OpenAIClient{
		api:        openai.NewClient(option.WithAPIKey(apiKey)),
		chatModel:  chatModel,
		embedModel: embedModel,
	}
}

// Generate produces a single completion for the prompt. Temperature is kept
// low; answers must stay grounded in the retrieved context.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:       openai.ChatModel(c.chatModel),
		Temperature: openai.Float(0.3),
		MaxTokens:   openai.Int(200),
	})
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices")
	}
	answer := resp.Choices[0].Message.Content
	if answer == "" {
		return "", fmt.Errorf("openai: empty message content")
	}
	return strings.TrimSpace(answer), nil
}

// Embed returns one embedding vector per input text, in input order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
