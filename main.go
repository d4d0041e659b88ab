package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/DnLK1/vtex-ollama-agent/api"
	"github.com/DnLK1/vtex-ollama-agent/chat"
	"github.com/DnLK1/vtex-ollama-agent/config"
	"github.com/DnLK1/vtex-ollama-agent/embeddings"
	"github.com/DnLK1/vtex-ollama-agent/ingestion"
	"github.com/DnLK1/vtex-ollama-agent/llm"
	"github.com/DnLK1/vtex-ollama-agent/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "process-batch":
		processBatchCmd(cfg, os.Args[2:])
	case "prepare":
		prepareCmd(cfg, logger, os.Args[2:])
	case "stats":
		statsCmd(cfg, logger, os.Args[2:])
	case "chat":
		chatCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serveCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.HTTPAddr, "listen address for the HTTP API")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse serve flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, store, err := buildChatService(cfg, logger)
	if err != nil {
		logger.Fatalf("chat setup: %v", err)
	}

	server := &http.Server{
		Addr:    *addr,
		Handler: api.New(cfg, svc, store, logger).Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("server shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s (%s/%s chat, %s/%s embeddings)", *addr,
		cfg.LLM.Provider, cfg.LLM.Model, cfg.Embeddings.Provider, cfg.Embeddings.Model)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	batchDir := flags.String("batches", cfg.Ingest.BatchDir, "directory containing JSONL batch files")
	workers := flags.Int("workers", cfg.Ingest.Workers, "concurrent batch workers")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cache := ingestion.LoadCache(cfg.Ingest.CachePath)
	orchestrator := ingestion.NewOrchestrator(cache, logger, *workers)

	summary, err := orchestrator.Run(ctx, *batchDir)
	if err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}

	logger.Printf("ingestion complete: %d/%d batches ok, %d documents, %d chunks, cache has %d entries",
		summary.Batches-summary.FailedBatches, summary.Batches, summary.Processed, summary.ChunksAdded, cache.Len())
	if summary.FailedBatches > 0 {
		os.Exit(1)
	}
}

// processBatchCmd is the worker side of the ingest fan-out: one batch file
// in, one JSON summary line on stdout. It logs to stderr so stdout stays a
// clean channel for the orchestrator.
func processBatchCmd(cfg config.Config, args []string) {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	flags := flag.NewFlagSet("process-batch", flag.ExitOnError)
	batchFile := flags.String("file", "", "batch file to process")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse process-batch flags: %v", err)
	}
	if *batchFile == "" {
		logger.Fatal("process-batch requires -file")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		emitResult(ingestion.Result{Error: err.Error()})
		os.Exit(1)
	}

	store := vectorstore.NewClient(cfg.Chroma)
	processor := ingestion.NewProcessor(store, embedder, logger,
		cfg.Ingest.SourceName, cfg.Ingest.IDPrefix, cfg.Ingest.UpsertBatchSize)

	result, err := processor.ProcessBatch(ctx, *batchFile)
	emitResult(result)
	if err != nil {
		os.Exit(1)
	}
}

func emitResult(result ingestion.Result) {
	if result.CacheEntries == nil {
		result.CacheEntries = []ingestion.CacheEntry{}
	}
	data, err := json.Marshal(result)
	if err != nil {
		fmt.Printf(`{"processed":0,"chunksAdded":0,"cacheEntries":[],"error":%q}`+"\n", err.Error())
		return
	}
	fmt.Println(string(data))
}

func prepareCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("prepare", flag.ExitOnError)
	docDir := flags.String("dir", "data/docs", "directory of local documents to batch")
	batchDir := flags.String("batches", cfg.Ingest.BatchDir, "output directory for JSONL batch files")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse prepare flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cache := ingestion.LoadCache(cfg.Ingest.CachePath)
	preparer := ingestion.NewPreparer(cache, logger, cfg.Ingest.DocsPerBatch)

	summary, err := preparer.PrepareBatches(ctx, *docDir, *batchDir)
	if err != nil {
		logger.Fatalf("prepare failed: %v", err)
	}

	logger.Printf("prepared %d batch files: %d documents scanned, %d unchanged, %d batched",
		len(summary.Files), summary.Scanned, summary.Skipped, summary.Batched)
}

func statsCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("stats", flag.ExitOnError)
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse stats flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := vectorstore.NewClient(cfg.Chroma)
	count, err := store.Count(ctx)
	if err != nil {
		logger.Fatalf("collection count: %v", err)
	}

	fmt.Printf("collection %q: %d records\n", store.CollectionName(), count)
}

func chatCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("chat", flag.ExitOnError)
	question := flags.String("question", "", "question to ask the assistant")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse chat flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatalf("read question: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, _, err := buildChatService(cfg, logger)
	if err != nil {
		logger.Fatalf("chat setup: %v", err)
	}

	turn := chat.NewTurn()
	history := []llm.Message{{Role: llm.RoleUser, Content: strings.TrimSpace(*question)}}

	err = svc.Ask(ctx, history, func(event chat.StreamEvent) error {
		turn.Apply(event)
		if event.Type == chat.EventChunk {
			fmt.Print(event.Content)
		}
		return nil
	})
	if err != nil {
		logger.Fatalf("chat failed: %v", err)
	}

	fmt.Println()
	if sources := turn.Assistant.Sources; len(sources) > 0 {
		fmt.Println("\nSources:")
		for idx, source := range sources {
			fmt.Printf("%d. %s", idx+1, source.Name)
			if source.URL != "" {
				fmt.Printf(" (%s)", source.URL)
			}
			fmt.Println()
		}
	}
}

func buildChatService(cfg config.Config, logger *log.Logger) (*chat.Service, *vectorstore.Client, error) {
	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("embedder setup: %w", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("llm setup: %w", err)
	}

	store := vectorstore.NewClient(cfg.Chroma)
	retriever := chat.NewRetriever(embedder, store, logger)
	svc := chat.NewService(retriever, llmClient, logger, cfg.Chat.TopK, cfg.Chat.ContextWindow)
	return svc, store, nil
}

func printUsage() {
	fmt.Println("Usage: vtex-ollama-agent <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve          Run the HTTP chat API")
	fmt.Println("  ingest         Process pending JSONL batch files into the vector store")
	fmt.Println("  process-batch  Worker mode: process a single batch file (used by ingest)")
	fmt.Println("  prepare        Build batch files from a local document directory")
	fmt.Println("  stats          Show vector collection record count")
	fmt.Println("  chat           Ask a one-shot question from the terminal")
}
