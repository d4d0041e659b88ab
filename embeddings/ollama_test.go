package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaEmbedPreservesInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "mxbai-embed-large" {
			t.Errorf("unexpected model %q", req.Model)
		}
		// Encode the prompt length into the vector so ordering is
		// observable on the way out.
		fmt.Fprintf(w, `{"embedding":[%d,0.5]}`, len(req.Prompt))
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(Options{
		OllamaHost: server.URL,
		Model:      "mxbai-embed-large",
	}, 5*time.Second)

	texts := []string{"a", "bb", "ccc"}
	vectors, err := embedder.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, text := range texts {
		if vectors[i][0] != float32(len(text)) {
			t.Fatalf("vector %d out of order: %v", i, vectors[i])
		}
	}
}

func TestOllamaEmbedServerErrorIsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model not found"}`)
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(Options{OllamaHost: server.URL, Model: "missing"}, time.Second)

	_, err := embedder.EmbedOne(context.Background(), "hello")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.Provider != "ollama" || provErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected provider error: %+v", provErr)
	}
}

func TestOllamaEmbedEmptyEmbeddingRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[]}`)
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(Options{OllamaHost: server.URL, Model: "m"}, time.Second)

	_, err := embedder.EmbedOne(context.Background(), "hello")
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
}

func TestOllamaEmbedDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[0.1,0.2,0.3]}`)
	}))
	defer server.Close()

	embedder := NewOllamaEmbedder(Options{OllamaHost: server.URL, Model: "m", Dimension: 1024}, time.Second)

	if _, err := embedder.EmbedOne(context.Background(), "hello"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
