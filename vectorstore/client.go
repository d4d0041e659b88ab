// Package vectorstore is a REST client for a ChromaDB collection using the
// Chroma v2 API. It owns the collection lifecycle (list-then-create with a
// cached id), batched upserts keyed by chunk id, and nearest-neighbor
// queries with score derivation.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/DnLK1/vtex-ollama-agent/config"
)

// Record is the durable unit inside the store, keyed by chunk id so that
// re-upserting unchanged text is an idempotent overwrite.
type Record struct {
	ID        string
	Text      string
	Embedding []float32
	Source    string
	URL       string
}

// QueryResult is derived per query, never stored. Score = 1/(1+distance),
// strictly decreasing in distance and bounded in (0, 1].
type QueryResult struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	URL    string  `json:"url,omitempty"`
	Score  float64 `json:"score"`
}

// StoreError reports a vector store HTTP or provider failure.
type StoreError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StoreError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("chroma %s failed: %d - %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chroma %s failed: %s", e.Op, e.Message)
}

// Client talks to one named collection. The resolved collection id is cached
// on the client for the process lifetime; construct one Client and share it
// rather than relying on hidden global state.
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client

	mu           sync.Mutex
	collectionID string
}

func NewClient(cfg config.ChromaConfig) *Client {
	host := strings.TrimRight(cfg.Host, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL:    fmt.Sprintf("%s/api/v2/tenants/%s/databases/%s", host, cfg.Tenant, cfg.Database),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CollectionName returns the configured collection name.
func (c *Client) CollectionName() string {
	return c.collection
}

type collectionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureCollection resolves the collection id, creating the collection when
// it does not exist. Creation relies on store-side get-or-create semantics:
// if a concurrent create wins the race and ours fails, the list is queried
// again instead of propagating the failure.
func (c *Client) EnsureCollection(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.collectionID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	id, found, err := c.findCollection(ctx)
	if err != nil {
		return "", err
	}
	if found {
		c.setCollectionID(id)
		return id, nil
	}

	id, err = c.createCollection(ctx)
	if err != nil {
		// A racing creator may have won; the store deduplicates by name.
		raceID, raceFound, listErr := c.findCollection(ctx)
		if listErr == nil && raceFound {
			c.setCollectionID(raceID)
			return raceID, nil
		}
		return "", err
	}

	c.setCollectionID(id)
	return id, nil
}

func (c *Client) setCollectionID(id string) {
	c.mu.Lock()
	c.collectionID = id
	c.mu.Unlock()
}

func (c *Client) findCollection(ctx context.Context) (string, bool, error) {
	var collections []collectionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/collections", nil, &collections, "list collections"); err != nil {
		return "", false, err
	}

	for _, col := range collections {
		if col.Name == c.collection {
			return col.ID, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) createCollection(ctx context.Context) (string, error) {
	body := map[string]any{
		"name":     c.collection,
		"metadata": map[string]string{"description": "documentation embeddings"},
	}

	var created collectionInfo
	if err := c.doJSON(ctx, http.MethodPost, "/collections", body, &created, "create collection"); err != nil {
		return "", err
	}
	return created.ID, nil
}

// UpsertBatch writes records with overwrite-by-id semantics. Record text is
// sanitized first so malformed input cannot abort the whole batch.
func (c *Client) UpsertBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	collectionID, err := c.EnsureCollection(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, len(records))
	documents := make([]string, len(records))
	embeddings := make([][]float32, len(records))
	metadatas := make([]map[string]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		documents[i] = SanitizeText(rec.Text)
		embeddings[i] = rec.Embedding
		metadatas[i] = map[string]string{
			"source": rec.Source,
			"url":    rec.URL,
		}
	}

	body := map[string]any{
		"ids":        ids,
		"documents":  documents,
		"embeddings": embeddings,
		"metadatas":  metadatas,
	}

	path := fmt.Sprintf("/collections/%s/upsert", collectionID)
	return c.doJSON(ctx, http.MethodPost, path, body, nil, "upsert")
}

type queryResponse struct {
	Documents [][]string            `json:"documents"`
	Metadatas [][]map[string]string `json:"metadatas"`
	Distances [][]float64           `json:"distances"`
}

// Query returns at most topK results ordered by ascending distance. A
// missing collection is "no knowledge yet", not an error: the query
// returns an empty slice and does not create the collection.
func (c *Client) Query(ctx context.Context, embedding []float32, topK int) ([]QueryResult, error) {
	if topK <= 0 {
		topK = 8
	}

	c.mu.Lock()
	collectionID := c.collectionID
	c.mu.Unlock()

	if collectionID == "" {
		id, found, err := c.findCollection(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			return []QueryResult{}, nil
		}
		c.setCollectionID(id)
		collectionID = id
	}

	body := map[string]any{
		"query_embeddings": [][]float32{embedding},
		"n_results":        topK,
		"include":          []string{"documents", "metadatas", "distances"},
	}

	var resp queryResponse
	path := fmt.Sprintf("/collections/%s/query", collectionID)
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp, "query"); err != nil {
		return nil, err
	}

	if len(resp.Documents) == 0 {
		return []QueryResult{}, nil
	}

	docs := resp.Documents[0]
	results := make([]QueryResult, 0, len(docs))
	for i, text := range docs {
		distance := 1.0
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			distance = resp.Distances[0][i]
		}

		result := QueryResult{
			Text:  text,
			Score: 1 / (1 + distance),
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			result.Source = resp.Metadatas[0][i]["source"]
			result.URL = resp.Metadatas[0][i]["url"]
		}
		results = append(results, result)
	}

	return results, nil
}

// Count returns the number of records in the collection, zero when the
// collection does not exist yet.
func (c *Client) Count(ctx context.Context) (int, error) {
	id, found, err := c.findCollection(ctx)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	var count int
	path := fmt.Sprintf("/collections/%s/count", id)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &count, "count"); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, op string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Chroma-Token", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &StoreError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StoreError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(data)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &StoreError{Op: op, Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}
