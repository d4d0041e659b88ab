package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/DnLK1/vtex-ollama-agent/embeddings"
	"github.com/DnLK1/vtex-ollama-agent/vectorstore"
)

// DoneSuffix marks a fully processed batch file so a crashed rerun does not
// pick it up again.
const DoneSuffix = ".done.jsonl"

// Result is the worker's summary for one batch, serialized as a single JSON
// line on stdout for the orchestrator to aggregate.
type Result struct {
	Processed    int          `json:"processed"`
	ChunksAdded  int          `json:"chunksAdded"`
	CacheEntries []CacheEntry `json:"cacheEntries"`
	Error        string       `json:"error,omitempty"`
}

// ChunkWriter is the slice of the vector store the processor needs.
type ChunkWriter interface {
	UpsertBatch(ctx context.Context, records []vectorstore.Record) error
}

// Processor ingests one batch of extracted documents: chunk, embed, upsert,
// in fixed-size groups processed strictly sequentially so memory and
// outstanding HTTP calls stay flat.
type Processor struct {
	store           ChunkWriter
	embedder        embeddings.Embedder
	logger          *log.Logger
	sourceName      string
	idPrefix        string
	upsertBatchSize int
}

func NewProcessor(store ChunkWriter, embedder embeddings.Embedder, logger *log.Logger, sourceName, idPrefix string, upsertBatchSize int) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	if upsertBatchSize <= 0 {
		upsertBatchSize = 20
	}

	return &Processor{
		store:           store,
		embedder:        embedder,
		logger:          logger,
		sourceName:      sourceName,
		idPrefix:        idPrefix,
		upsertBatchSize: upsertBatchSize,
	}
}

// ProcessBatch reads newline-delimited ExtractedDocument records from
// batchFile. A malformed line is logged and skipped; the batch continues.
// A provider or store failure aborts the batch so its cache entries are
// withheld and the documents retried on the next run. On success the batch
// file is renamed with the done marker.
func (p *Processor) ProcessBatch(ctx context.Context, batchFile string) (Result, error) {
	file, err := os.Open(batchFile)
	if err != nil {
		return Result{}, fmt.Errorf("open batch file: %w", err)
	}
	defer file.Close()

	var result Result
	var pending []Chunk

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}

		texts := make([]string, len(pending))
		for i, chunk := range pending {
			texts[i] = chunk.Text
		}

		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunk group: %w", err)
		}
		if len(vectors) != len(pending) {
			return fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(pending), len(vectors))
		}

		records := make([]vectorstore.Record, len(pending))
		for i, chunk := range pending {
			records[i] = vectorstore.Record{
				ID:        chunk.ID,
				Text:      chunk.Text,
				Embedding: vectors[i],
				Source:    chunk.Source,
				URL:       chunk.URL,
			}
		}

		if err := p.store.UpsertBatch(ctx, records); err != nil {
			return fmt.Errorf("upsert chunk group: %w", err)
		}

		result.ChunksAdded += len(pending)
		pending = pending[:0]
		return nil
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var doc ExtractedDocument
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			p.logger.Printf("skip malformed record at %s:%d: %v", batchFile, lineNo, err)
			continue
		}
		if doc.URL == "" || strings.TrimSpace(doc.Text) == "" {
			p.logger.Printf("skip incomplete record at %s:%d", batchFile, lineNo)
			continue
		}

		chunks := ChunkText(doc.Text, ChunkOptions{
			IDPrefix: p.idPrefix,
			URL:      doc.URL,
			Source:   p.sourceLabel(doc.URL),
		})

		for _, chunk := range chunks {
			pending = append(pending, chunk)
			if len(pending) >= p.upsertBatchSize {
				if err := flush(); err != nil {
					result.Error = err.Error()
					return result, err
				}
			}
		}

		// The cache entry is queued only once every chunk of this document
		// is in a group that will be flushed before the batch completes.
		result.CacheEntries = append(result.CacheEntries, CacheEntry{
			URL:     doc.URL,
			Hash:    doc.Hash,
			LastMod: doc.LastMod,
		})
		result.Processed++
	}

	if err := scanner.Err(); err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("read batch file: %w", err)
	}

	if err := flush(); err != nil {
		result.Error = err.Error()
		return result, err
	}

	if err := markDone(batchFile); err != nil {
		result.Error = err.Error()
		return result, err
	}

	return result, nil
}

func (p *Processor) sourceLabel(rawURL string) string {
	path := rawURL
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		path = parsed.Path
	}
	return fmt.Sprintf("%s - %s", p.sourceName, path)
}

func markDone(batchFile string) error {
	done := strings.TrimSuffix(batchFile, ".jsonl") + DoneSuffix
	if err := os.Rename(batchFile, done); err != nil {
		return fmt.Errorf("mark batch done: %w", err)
	}
	return nil
}
