package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type ollamaEmbedder struct {
	host      string
	model     string
	dimension int
	client    *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

func NewOllamaEmbedder(opts Options, timeout time.Duration) Embedder {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ollamaEmbedder{
		host:      host,
		model:     opts.Model,
		dimension: opts.Dimension,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (e *ollamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))

	for _, text := range texts {
		vec, err := e.EmbedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		results = append(results, vec)
	}

	return results, nil
}

func (e *ollamaEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama embeddings API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	var payload ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &ProviderError{Provider: "ollama", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(payload.Embedding) == 0 {
		return nil, &ProviderError{Provider: "ollama", Message: "response contained no embedding"}
	}

	vec := make([]float32, len(payload.Embedding))
	for i, value := range payload.Embedding {
		vec[i] = float32(value)
	}

	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, fmt.Errorf("ollama embedding dimension mismatch: expected %d, got %d", e.dimension, len(vec))
	}

	return vec, nil
}
