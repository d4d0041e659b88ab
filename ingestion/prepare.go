package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// DocumentFormat enumerates the local document formats the preparer can
// extract text from.
type DocumentFormat string

const (
	FormatUnknown  DocumentFormat = ""
	FormatMarkdown DocumentFormat = "markdown"
	FormatPDF      DocumentFormat = "pdf"
	FormatCSV      DocumentFormat = "csv"
)

// DetectFormat infers a document format from the path's extension.
func DetectFormat(path string) DocumentFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	case ".csv":
		return FormatCSV
	default:
		return FormatUnknown
	}
}

// Preparer builds ingestion batch files from a local document directory,
// standing in for the web crawler when the corpus lives on disk. Documents
// whose content hash matches the cache are skipped up front.
type Preparer struct {
	cache        *Cache
	logger       *log.Logger
	docsPerBatch int
}

type PrepareSummary struct {
	Scanned int
	Skipped int
	Batched int
	Files   []string
}

func NewPreparer(cache *Cache, logger *log.Logger, docsPerBatch int) *Preparer {
	if logger == nil {
		logger = log.Default()
	}
	if docsPerBatch <= 0 {
		docsPerBatch = 25
	}

	return &Preparer{
		cache:        cache,
		logger:       logger,
		docsPerBatch: docsPerBatch,
	}
}

// PrepareBatches walks docDir, extracts text from each supported file, and
// writes the changed documents as newline-delimited JSON batch files under
// batchDir. A document that fails extraction is logged and skipped.
func (p *Preparer) PrepareBatches(ctx context.Context, docDir, batchDir string) (PrepareSummary, error) {
	var summary PrepareSummary

	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return summary, fmt.Errorf("create batch directory: %w", err)
	}

	var pending []ExtractedDocument
	batchIndex := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		name := filepath.Join(batchDir, fmt.Sprintf("batch-%04d.jsonl", batchIndex))
		if err := writeBatchFile(name, pending); err != nil {
			return err
		}
		summary.Files = append(summary.Files, name)
		batchIndex++
		pending = pending[:0]
		return nil
	}

	walkErr := filepath.WalkDir(docDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || DetectFormat(path) == FormatUnknown {
			return nil
		}

		summary.Scanned++

		doc, extractErr := extractDocument(docDir, path)
		if extractErr != nil {
			p.logger.Printf("skip %s: %v", path, extractErr)
			return nil
		}

		if !p.cache.ShouldReprocess(doc) {
			summary.Skipped++
			return nil
		}

		pending = append(pending, doc)
		summary.Batched++
		if len(pending) >= p.docsPerBatch {
			return flush()
		}
		return nil
	})
	if walkErr != nil {
		return summary, fmt.Errorf("walk document directory: %w", walkErr)
	}

	if err := flush(); err != nil {
		return summary, err
	}

	return summary, nil
}

func extractDocument(root, path string) (ExtractedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ExtractedDocument{}, fmt.Errorf("read file: %w", err)
	}

	var text string
	switch DetectFormat(path) {
	case FormatMarkdown:
		text = string(data)
	case FormatPDF:
		text, err = extractPDFText(data)
	case FormatCSV:
		text, err = extractCSVText(data)
	}
	if err != nil {
		return ExtractedDocument{}, err
	}

	text = normalizePlainText(text)
	if strings.TrimSpace(text) == "" {
		return ExtractedDocument{}, fmt.Errorf("no extractable text")
	}

	relPath, relErr := filepath.Rel(root, path)
	if relErr != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)

	hash := sha256.Sum256([]byte(text))

	info, statErr := os.Stat(path)
	lastMod := ""
	if statErr == nil {
		lastMod = info.ModTime().UTC().Format("2006-01-02T15:04:05Z")
	}

	return ExtractedDocument{
		URL:     "file:///" + relPath,
		Hash:    hex.EncodeToString(hash[:]),
		Text:    text,
		LastMod: lastMod,
	}, nil
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

func extractCSVText(data []byte) (string, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	headers := records[0]
	var b strings.Builder
	for idx, row := range records[1:] {
		b.WriteString(formatCSVRow(headers, row, idx))
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "Row %d", idx+1)

	limit := len(headers)
	if len(row) < limit {
		limit = len(row)
	}

	for i := 0; i < limit; i++ {
		header := strings.TrimSpace(headers[i])
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString("\n")
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(row[i]))
	}

	for i := len(headers); i < len(row); i++ {
		builder.WriteString("\n")
		fmt.Fprintf(builder, "Extra %d: %s", i+1, strings.TrimSpace(row[i]))
	}

	return builder.String()
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func writeBatchFile(path string, docs []ExtractedDocument) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create batch file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("write batch record: %w", err)
		}
	}
	return nil
}
