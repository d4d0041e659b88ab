package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Orchestrator fans ingestion out across batch files, one isolated worker
// process per batch. A worker is this binary re-execed with the
// process-batch subcommand: batch path in, one JSON summary line out. A
// crash or runaway allocation in one batch cannot take down its siblings
// or the orchestrator.
type Orchestrator struct {
	cache   *Cache
	logger  *log.Logger
	workers int

	// workerArgs builds the command line for one batch; overridable in
	// tests to avoid re-execing the test binary.
	workerArgs func(batchFile string) (string, []string)
}

// Summary aggregates worker results across all batches of a run.
type Summary struct {
	Batches       int
	FailedBatches int
	Processed     int
	ChunksAdded   int
}

func NewOrchestrator(cache *Cache, logger *log.Logger, workers int) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if workers <= 0 {
		workers = 1
	}

	return &Orchestrator{
		cache:   cache,
		logger:  logger,
		workers: workers,
		workerArgs: func(batchFile string) (string, []string) {
			exe, err := os.Executable()
			if err != nil {
				exe = os.Args[0]
			}
			return exe, []string{"process-batch", "-file", batchFile}
		},
	}
}

// Run processes every pending batch file in batchDir. Cache merges and
// saves are serialized under a mutex so concurrently finishing workers
// cannot lose each other's updates; entries from failed workers are
// withheld so their documents are retried on the next run.
func (o *Orchestrator) Run(ctx context.Context, batchDir string) (Summary, error) {
	batchFiles, err := pendingBatches(batchDir)
	if err != nil {
		return Summary{}, err
	}
	if len(batchFiles) == 0 {
		o.logger.Printf("no pending batch files in %s", batchDir)
		return Summary{}, nil
	}

	var (
		mu      sync.Mutex
		summary = Summary{Batches: len(batchFiles)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, batchFile := range batchFiles {
		batchFile := batchFile
		g.Go(func() error {
			result, err := o.runWorker(gctx, batchFile)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				summary.FailedBatches++
				o.logger.Printf("batch %s failed: %v", filepath.Base(batchFile), err)
				// A failed batch never aborts its siblings.
				return nil
			}

			o.cache.Merge(result.CacheEntries)
			if saveErr := o.cache.Save(); saveErr != nil {
				return fmt.Errorf("save ingestion cache: %w", saveErr)
			}

			summary.Processed += result.Processed
			summary.ChunksAdded += result.ChunksAdded
			o.logger.Printf("batch %s done: %d documents, %d chunks", filepath.Base(batchFile), result.Processed, result.ChunksAdded)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (o *Orchestrator) runWorker(ctx context.Context, batchFile string) (Result, error) {
	name, args := o.workerArgs(batchFile)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// The worker reports a JSON summary on stdout even when it fails, so
	// decode what we can before judging the exit status.
	var result Result
	decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result)

	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if decodeErr == nil && result.Error != "" {
			detail = result.Error
		}
		if detail == "" {
			detail = runErr.Error()
		}
		return Result{}, fmt.Errorf("worker exited: %s", detail)
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("decode worker summary: %w", decodeErr)
	}
	if result.Error != "" {
		return Result{}, fmt.Errorf("worker reported: %s", result.Error)
	}

	return result, nil
}

func pendingBatches(batchDir string) ([]string, error) {
	entries, err := os.ReadDir(batchDir)
	if err != nil {
		return nil, fmt.Errorf("read batch directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, DoneSuffix) {
			continue
		}
		files = append(files, filepath.Join(batchDir, name))
	}
	sort.Strings(files)
	return files, nil
}
