package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

type openAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

func NewOpenAIEmbedder(opts Options) Embedder {
	cfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		cfg.BaseURL = opts.OpenAIBaseURL
	}

	return &openAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.Model,
		dimension: opts.Dimension,
	}
}

func (e *openAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: texts,
	})
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: err.Error()}
	}

	if len(resp.Data) != len(texts) {
		return nil, &ProviderError{
			Provider: "openai",
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)),
		}
	}

	results := make([][]float32, len(resp.Data))
	for i, datum := range resp.Data {
		if e.dimension > 0 && len(datum.Embedding) != e.dimension {
			return nil, fmt.Errorf("openai embedding dimension mismatch: expected %d, got %d", e.dimension, len(datum.Embedding))
		}
		results[i] = datum.Embedding
	}

	return results, nil
}

func (e *openAIEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
