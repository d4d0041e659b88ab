package llm

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

type openAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(opts Options) Client {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
	}
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
	})
	if err != nil {
		return "", &ProviderError{Provider: "openai", Message: err.Error()}
	}

	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Message: "chat completion returned no choices"}
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *openAIClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	})
	if err != nil {
		return &ProviderError{Provider: "openai", Message: err.Error()}
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &ProviderError{Provider: "openai", Message: err.Error()}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			if err := fn(content); err != nil {
				return err
			}
		}
	}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		converted[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return converted
}
