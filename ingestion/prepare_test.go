package ingestion

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string]DocumentFormat{
		"guide.md":       FormatMarkdown,
		"GUIDE.MD":       FormatMarkdown,
		"notes.markdown": FormatMarkdown,
		"readme.txt":     FormatMarkdown,
		"manual.pdf":     FormatPDF,
		"pricing.csv":    FormatCSV,
		"image.png":      FormatUnknown,
		"no-extension":   FormatUnknown,
		"archive.tar.gz": FormatUnknown,
	}
	for path, want := range cases {
		if got := DetectFormat(path); got != want {
			t.Errorf("DetectFormat(%q) = %q, want %q", path, got, want)
		}
	}
}

func readBatchDocs(t *testing.T, path string) []ExtractedDocument {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open batch file: %v", err)
	}
	defer file.Close()

	var docs []ExtractedDocument
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var doc ExtractedDocument
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			t.Fatalf("decode batch line: %v", err)
		}
		docs = append(docs, doc)
	}
	return docs
}

func TestPrepareBatchesExtractsAndBatches(t *testing.T) {
	docDir := t.TempDir()
	batchDir := t.TempDir()

	writeDoc := func(name, content string) {
		t.Helper()
		path := filepath.Join(docDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write doc: %v", err)
		}
	}

	writeDoc("guides/deploy.md", "# Deploy\r\nUse the CLI.   \r\n")
	writeDoc("pricing.csv", "plan,price\nfree,0\npro,20\n")
	writeDoc("logo.png", "not a document")

	cache := LoadCache(filepath.Join(t.TempDir(), "cache.json"))
	preparer := NewPreparer(cache, quietLogger(), 25)

	summary, err := preparer.PrepareBatches(context.Background(), docDir, batchDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Scanned != 2 {
		t.Fatalf("expected 2 scanned documents, got %d", summary.Scanned)
	}
	if summary.Batched != 2 || summary.Skipped != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.Files) != 1 {
		t.Fatalf("expected a single batch file, got %v", summary.Files)
	}

	docs := readBatchDocs(t, summary.Files[0])
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents in batch, got %d", len(docs))
	}

	byURL := map[string]ExtractedDocument{}
	for _, doc := range docs {
		if doc.Hash == "" {
			t.Fatalf("document missing hash: %+v", doc)
		}
		byURL[doc.URL] = doc
	}

	md, ok := byURL["file:///guides/deploy.md"]
	if !ok {
		t.Fatalf("markdown document missing, got %v", byURL)
	}
	if strings.Contains(md.Text, "\r") {
		t.Fatal("line endings not normalized")
	}
	if strings.Contains(md.Text, "CLI.   ") {
		t.Fatal("trailing whitespace not trimmed")
	}

	csvDoc, ok := byURL["file:///pricing.csv"]
	if !ok {
		t.Fatal("csv document missing")
	}
	if !strings.Contains(csvDoc.Text, "Row 1") || !strings.Contains(csvDoc.Text, "plan: free") {
		t.Fatalf("csv rows not rendered: %q", csvDoc.Text)
	}
}

func TestPrepareBatchesSkipsUnchangedDocuments(t *testing.T) {
	docDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(docDir, "stable.md"), []byte("Unchanged content."), 0o644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	cachePath := filepath.Join(t.TempDir(), "cache.json")
	cache := LoadCache(cachePath)
	preparer := NewPreparer(cache, quietLogger(), 25)

	first, err := preparer.PrepareBatches(context.Background(), docDir, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Batched != 1 {
		t.Fatalf("first run should batch the document, got %+v", first)
	}

	// Simulate the ingest run committing the cache entry.
	docs := readBatchDocs(t, first.Files[0])
	cache.Merge([]CacheEntry{{URL: docs[0].URL, Hash: docs[0].Hash, LastMod: docs[0].LastMod}})

	second, err := preparer.PrepareBatches(context.Background(), docDir, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Skipped != 1 || second.Batched != 0 {
		t.Fatalf("unchanged document must be skipped, got %+v", second)
	}
	if len(second.Files) != 0 {
		t.Fatalf("no batch files expected, got %v", second.Files)
	}

	// Changing the content re-qualifies the document.
	if err := os.WriteFile(filepath.Join(docDir, "stable.md"), []byte("Edited content."), 0o644); err != nil {
		t.Fatalf("rewrite doc: %v", err)
	}
	third, err := preparer.PrepareBatches(context.Background(), docDir, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Batched != 1 {
		t.Fatalf("edited document must be re-batched, got %+v", third)
	}
}

func TestFormatCSVRowHandlesRaggedRows(t *testing.T) {
	headers := []string{"name", ""}
	row := []string{"alpha", "beta", "gamma"}

	got := formatCSVRow(headers, row, 0)
	if !strings.Contains(got, "name: alpha") {
		t.Fatalf("missing named column: %q", got)
	}
	if !strings.Contains(got, "Column 2: beta") {
		t.Fatalf("blank header not defaulted: %q", got)
	}
	if !strings.Contains(got, "Extra 3: gamma") {
		t.Fatalf("overflow cell dropped: %q", got)
	}
}
