package config

import (
	"os"
	"strconv"
	"time"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	Timeout   time.Duration
}

type LLMConfig struct {
	Provider string
	Model    string
	// Timeout bounds non-streaming calls. Zero leaves streaming calls
	// bounded only by the request context.
	Timeout time.Duration
}

type ChromaConfig struct {
	Host       string
	APIKey     string
	Tenant     string
	Database   string
	Collection string
	Timeout    time.Duration
}

type IngestConfig struct {
	BatchDir        string
	CachePath       string
	SourceName      string
	IDPrefix        string
	UpsertBatchSize int
	DocsPerBatch    int
	Workers         int
}

type ChatConfig struct {
	TopK          int
	ContextWindow int
}

type Config struct {
	HTTPAddr string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Embeddings EmbeddingConfig
	LLM        LLMConfig
	Chroma     ChromaConfig
	Ingest     IngestConfig
	Chat       ChatConfig
}

func Load() Config {
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		Embeddings: EmbeddingConfig{
			Provider:  getEnv("EMBEDDING_PROVIDER", ProviderOllama),
			Model:     getEnv("OLLAMA_EMBEDDING_MODEL", "mxbai-embed-large"),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", 0),
			Timeout:   getEnvDuration("EMBEDDING_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOllama),
			Model:    getEnv("OLLAMA_MODEL", "qwen2.5:7b"),
			Timeout:  getEnvDuration("LLM_TIMEOUT", 0),
		},
		Chroma: ChromaConfig{
			Host:       getEnv("CHROMA_HOST", "http://localhost:8000"),
			APIKey:     getEnv("CHROMA_API_KEY", ""),
			Tenant:     getEnv("CHROMA_TENANT", "default_tenant"),
			Database:   getEnv("CHROMA_DATABASE", "default_database"),
			Collection: getEnv("CHROMA_COLLECTION", "docs"),
			Timeout:    getEnvDuration("CHROMA_TIMEOUT", 60*time.Second),
		},
		Ingest: IngestConfig{
			BatchDir:        getEnv("INGEST_BATCH_DIR", "data/batches"),
			CachePath:       getEnv("INGEST_CACHE_PATH", "data/ingest-cache.json"),
			SourceName:      getEnv("INGEST_SOURCE_NAME", "docs"),
			IDPrefix:        getEnv("INGEST_ID_PREFIX", "sitemap"),
			UpsertBatchSize: getEnvInt("INGEST_UPSERT_BATCH_SIZE", 20),
			DocsPerBatch:    getEnvInt("INGEST_DOCS_PER_BATCH", 25),
			Workers:         getEnvInt("INGEST_WORKERS", 2),
		},
		Chat: ChatConfig{
			TopK:          getEnvInt("CHAT_TOP_K", 8),
			ContextWindow: getEnvInt("CHAT_CONTEXT_WINDOW", 10),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
