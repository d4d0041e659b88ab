// Package chat answers user questions over the indexed corpus: best-effort
// retrieval feeds context into a streamed completion, relayed to the
// consumer as ordered chunk events with a terminal done event.
package chat

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/DnLK1/vtex-ollama-agent/llm"
	"github.com/DnLK1/vtex-ollama-agent/vectorstore"
)

const defaultContextWindow = 10

type Service struct {
	retriever     *Retriever
	llm           llm.Client
	logger        *log.Logger
	topK          int
	contextWindow int
}

func NewService(retriever *Retriever, llmClient llm.Client, logger *log.Logger, topK, contextWindow int) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if contextWindow <= 0 {
		contextWindow = defaultContextWindow
	}

	return &Service{
		retriever:     retriever,
		llm:           llmClient,
		logger:        logger,
		topK:          topK,
		contextWindow: contextWindow,
	}
}

// Ask runs one chat turn: retrieve context for the latest user message,
// stream the completion, and emit wire events through emit in arrival
// order. The turn always terminates: an upstream failure is surfaced as an
// in-band error chunk followed by the done event, never a silent drop. An
// error is returned only when emit itself fails (consumer gone), in which
// case the upstream read stops and the connection is released via ctx.
func (s *Service) Ask(ctx context.Context, history []llm.Message, emit func(StreamEvent) error) error {
	question, err := latestQuestion(history)
	if err != nil {
		return err
	}

	results := s.retriever.Retrieve(ctx, question, s.topK)
	messages := s.buildMessages(history, results)

	var streamErr error
	if streamClient, ok := s.llm.(llm.StreamClient); ok {
		streamErr = streamClient.GenerateStream(ctx, messages, func(fragment string) error {
			return emit(StreamEvent{Type: EventChunk, Content: fragment})
		})
	} else {
		answer, genErr := s.llm.Generate(ctx, messages)
		if genErr != nil {
			streamErr = genErr
		} else if answer != "" {
			streamErr = emit(StreamEvent{Type: EventChunk, Content: answer})
		}
	}

	if streamErr != nil {
		if ctx.Err() != nil {
			// Consumer disconnected; nothing left to relay to.
			return ctx.Err()
		}
		s.logger.Printf("completion stream failed: %v", streamErr)
		if err := emit(StreamEvent{Type: EventChunk, Content: fmt.Sprintf("error: %v", streamErr)}); err != nil {
			return err
		}
		return emit(StreamEvent{Type: EventDone})
	}

	return emit(StreamEvent{Type: EventDone, Sources: collectSources(results)})
}

// AskSync answers without streaming, for the non-streaming API mode.
func (s *Service) AskSync(ctx context.Context, history []llm.Message) (string, []Source, error) {
	question, err := latestQuestion(history)
	if err != nil {
		return "", nil, err
	}

	results := s.retriever.Retrieve(ctx, question, s.topK)
	messages := s.buildMessages(history, results)

	answer, err := s.llm.Generate(ctx, messages)
	if err != nil {
		return "", nil, fmt.Errorf("generate answer: %w", err)
	}

	return strings.TrimSpace(answer), collectSources(results), nil
}

func latestQuestion(history []llm.Message) (string, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("conversation history is empty")
	}
	last := history[len(history)-1]
	if last.Role != llm.RoleUser {
		return "", fmt.Errorf("last message must be from the user")
	}
	question := strings.TrimSpace(last.Content)
	if question == "" {
		return "", fmt.Errorf("question cannot be empty")
	}
	return question, nil
}

// buildMessages assembles the prompt: a system message carrying the
// retrieved context, then the most recent turns of the conversation.
func (s *Service) buildMessages(history []llm.Message, results []vectorstore.QueryResult) []llm.Message {
	if len(history) > s.contextWindow {
		history = history[len(history)-s.contextWindow:]
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt(results)})
	messages = append(messages, history...)
	return messages
}

func systemPrompt(results []vectorstore.QueryResult) string {
	var sb strings.Builder
	sb.WriteString("You are a documentation assistant. Answer using the provided context when it is relevant, and say so when the documentation does not cover the question. Keep answers concise and in markdown.")

	if len(results) == 0 {
		return sb.String()
	}

	sb.WriteString("\n\nContext:\n")
	for i, result := range results {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, result.Source))
		sb.WriteString(result.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// collectSources dedupes retrieval results into the citation list carried
// by the done event, preserving ranking order.
func collectSources(results []vectorstore.QueryResult) []Source {
	seen := make(map[string]struct{}, len(results))
	sources := make([]Source, 0, len(results))
	for _, result := range results {
		name := result.Source
		if name == "" {
			name = result.URL
		}
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		sources = append(sources, Source{Name: name, URL: result.URL})
	}
	return sources
}
