package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"
)

func streamServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGenerateStreamRelaysFragmentsInOrder(t *testing.T) {
	server := streamServer(t, []string{
		`{"message":{"role":"assistant","content":"The"},"done":false}`,
		`{"message":{"role":"assistant","content":" cat"},"done":false}`,
		`{"message":{"role":"assistant","content":" sat"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "qwen2.5:7b"}, 0)
	stream, ok := client.(StreamClient)
	if !ok {
		t.Fatal("ollama client must support streaming")
	}

	var got []string
	err := stream.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(fragment string) error {
		got = append(got, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"The", " cat", " sat"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("fragments = %v, want %v", got, want)
	}
}

func TestGenerateStreamSkipsMalformedLines(t *testing.T) {
	server := streamServer(t, []string{
		`{"message":{"role":"assistant","content":"keep"},"done":false}`,
		`this is not json`,
		``,
		`{"message":{"role":"assistant","content":" this"},"done":true}`,
	})

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "m"}, 0)
	stream := client.(StreamClient)

	var got string
	err := stream.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(fragment string) error {
		got += fragment
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "keep this" {
		t.Fatalf("assembled %q, want %q", got, "keep this")
	}
}

func TestGenerateStreamErrorChunkFailsStream(t *testing.T) {
	server := streamServer(t, []string{
		`{"message":{"role":"assistant","content":"partial"},"done":false}`,
		`{"error":"model crashed"}`,
	})

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "m"}, 0)
	stream := client.(StreamClient)

	err := stream.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(string) error {
		return nil
	})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.Message != "model crashed" {
		t.Fatalf("unexpected message %q", provErr.Message)
	}
}

func TestGenerateStreamCallbackErrorStopsStream(t *testing.T) {
	server := streamServer(t, []string{
		`{"message":{"role":"assistant","content":"a"},"done":false}`,
		`{"message":{"role":"assistant","content":"b"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	})

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "m"}, 0)
	stream := client.(StreamClient)

	sentinel := errors.New("consumer gone")
	calls := 0
	err := stream.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(string) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("callback error not propagated: %v", err)
	}
	if calls != 1 {
		t.Fatalf("stream must stop at first callback error, got %d calls", calls)
	}
}

func TestGenerateNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("Generate must request a non-streaming response")
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"full answer"},"done":true}`)
	}))
	defer server.Close()

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "m"}, 5*time.Second)

	answer, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "full answer" {
		t.Fatalf("unexpected answer %q", answer)
	}
}

func TestGenerateServerErrorIsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "out of memory")
	}))
	defer server.Close()

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "m"}, time.Second)

	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", provErr.StatusCode)
	}
}
