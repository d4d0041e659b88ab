package llm

import (
	"context"
	"fmt"

	"github.com/DnLK1/vtex-ollama-agent/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// StreamClient is implemented by providers that can deliver the answer
// incrementally. The callback receives each content fragment in arrival
// order; returning an error stops the stream.
type StreamClient interface {
	Client
	GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error
}

// ProviderError reports a non-success status or in-band error from the
// completion service.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s chat failed: %d - %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s chat failed: %s", e.Provider, e.Message)
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts, cfg.LLM.Timeout), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
