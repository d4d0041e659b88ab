package chat

import (
	"context"
	"log"

	"github.com/DnLK1/vtex-ollama-agent/embeddings"
	"github.com/DnLK1/vtex-ollama-agent/vectorstore"
)

const defaultTopK = 8

// VectorSearcher is the slice of the vector store the retriever needs.
type VectorSearcher interface {
	Query(ctx context.Context, embedding []float32, topK int) ([]vectorstore.QueryResult, error)
}

// Retriever embeds a query and fetches the top-K nearest chunks. Retrieval
// is best-effort context enrichment: any embedding or store failure is
// logged and degrades to an empty result set instead of failing the
// caller's question. Ranking authority stays with the store's distance
// metric; results are returned as-is.
type Retriever struct {
	embedder embeddings.Embedder
	store    VectorSearcher
	logger   *log.Logger
}

func NewRetriever(embedder embeddings.Embedder, store VectorSearcher, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.Default()
	}

	return &Retriever{
		embedder: embedder,
		store:    store,
		logger:   logger,
	}
}

func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) []vectorstore.QueryResult {
	if topK <= 0 {
		topK = defaultTopK
	}

	embedding, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		r.logger.Printf("retrieval: embed query: %v", err)
		return nil
	}

	results, err := r.store.Query(ctx, embedding, topK)
	if err != nil {
		r.logger.Printf("retrieval: vector query: %v", err)
		return nil
	}

	return results
}
