package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type ollamaClient struct {
	host   string
	model  string
	client *http.Client
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

// NewOllamaClient returns a streaming-capable chat client. A zero timeout
// leaves calls bounded only by their context, which is what the streaming
// path wants; cancellation of that context closes the upstream connection.
func NewOllamaClient(opts Options, timeout time.Duration) Client {
	host := strings.TrimRight(opts.OllamaHost, "/")
	if host == "" {
		host = "http://localhost:11434"
	}

	return &ollamaClient{
		host:  host,
		model: opts.Model,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *ollamaClient) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.send(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &ProviderError{Provider: "ollama", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if parsed.Error != "" {
		return "", &ProviderError{Provider: "ollama", Message: parsed.Error}
	}

	return parsed.Message.Content, nil
}

// GenerateStream reads the newline-delimited response one line at a time and
// relays every non-empty content fragment in arrival order. Malformed lines
// are skipped. The loop never reads ahead of the callback, so backpressure
// from the consumer flows through to the upstream connection.
func (c *ollamaClient) GenerateStream(ctx context.Context, messages []Message, fn func(string) error) error {
	resp, err := c.send(ctx, messages, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			return &ProviderError{Provider: "ollama", Message: chunk.Error}
		}

		if chunk.Message.Content != "" {
			if err := fn(chunk.Message.Content); err != nil {
				return err
			}
		}

		if chunk.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ollama stream: %w", err)
	}
	return nil
}

func (c *ollamaClient) send(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	payload := ollamaChatRequest{
		Model:    c.model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call ollama chat API: %w", err)
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &ProviderError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	return resp, nil
}

func toOllamaMessages(messages []Message) []ollamaChatMessage {
	if len(messages) == 0 {
		return nil
	}
	converted := make([]ollamaChatMessage, len(messages))
	for i := range messages {
		converted[i] = ollamaChatMessage(messages[i])
	}
	return converted
}
