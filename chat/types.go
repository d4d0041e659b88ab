package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	EventChunk = "chunk"
	EventDone  = "done"
)

// Source is one citation attached to a finished answer.
type Source struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// StreamEvent is one wire-protocol event relayed to the consumer: zero or
// more chunk events carrying content fragments, then exactly one done event
// carrying the citations.
type StreamEvent struct {
	Type    string   `json:"type"`
	Content string   `json:"content,omitempty"`
	Sources []Source `json:"sources,omitempty"`
}

// MarshalJSON keeps chunk events content-only while the done event always
// carries a sources array, empty included, so consumers can index it
// without a presence check.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	if e.Type == EventDone {
		sources := e.Sources
		if sources == nil {
			sources = []Source{}
		}
		return json.Marshal(struct {
			Type    string   `json:"type"`
			Sources []Source `json:"sources"`
		}{Type: e.Type, Sources: sources})
	}

	return json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content,omitempty"`
	}{Type: e.Type, Content: e.Content})
}

// Message is one conversation turn. User messages are immutable once
// created; the assistant message of a turn starts empty and grows as chunk
// events arrive, then is finalized with sources by the done event.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`
}

func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func NewAssistantMessage() Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
	}
}

// Turn accumulates stream events into the assistant message for one chat
// turn. Only the event handler mutates the message.
type Turn struct {
	Assistant Message
	done      bool
}

func NewTurn() *Turn {
	return &Turn{Assistant: NewAssistantMessage()}
}

// Apply folds one event into the turn. Events after the terminal done event
// are ignored.
func (t *Turn) Apply(event StreamEvent) {
	if t.done {
		return
	}

	switch event.Type {
	case EventChunk:
		t.Assistant.Content += event.Content
	case EventDone:
		t.Assistant.Sources = event.Sources
		t.done = true
	}
}

// Done reports whether the turn has reached its terminal event.
func (t *Turn) Done() bool {
	return t.done
}
