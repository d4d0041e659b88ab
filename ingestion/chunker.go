// Package ingestion turns extracted documents into embedded, vector-indexed
// chunks: chunking, the content-hash cache that gates re-ingestion, the
// per-batch processor, and the orchestrator that isolates batches in worker
// processes.
package ingestion

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const (
	defaultChunkSize = 1200
	// Adjacent chunks share this many characters so context spanning a
	// boundary survives retrieval.
	defaultChunkOverlap = defaultChunkSize / 5
)

// Chunk is a bounded slice of a document's text. The id is deterministic
// for a given (prefix, url, index) so re-ingesting unchanged text upserts
// the same records.
type Chunk struct {
	ID     string
	Text   string
	Source string
	URL    string
}

type ChunkOptions struct {
	IDPrefix string
	URL      string
	Source   string
}

// ChunkText splits text on paragraph boundaries first, packing greedily up
// to the chunk budget, falling back to sentence and then hard character
// splits for segments with no usable boundary. Whitespace-only segments are
// dropped; the result never contains an empty chunk.
func ChunkText(text string, opts ChunkOptions) []Chunk {
	return chunkText(text, opts, defaultChunkSize, defaultChunkOverlap)
}

func chunkText(text string, opts ChunkOptions, budget, overlap int) []Chunk {
	segments := splitSegments(text, budget)
	if len(segments) == 0 {
		return nil
	}

	slug := slugFromURL(opts.URL)

	var chunks []Chunk
	var current []string
	currentLen := 0

	flush := func() {
		if currentLen == 0 {
			return
		}
		body := strings.Join(current, "\n\n")
		chunks = append(chunks, Chunk{
			ID:     fmt.Sprintf("%s:%s:%d", opts.IDPrefix, slug, len(chunks)),
			Text:   body,
			Source: opts.Source,
			URL:    opts.URL,
		})

		// Seed the next chunk with tail text, never more than the overlap
		// length, so every chunk stays within budget+overlap.
		var keep []string
		kept := 0
		for i := len(current) - 1; i >= 0; i-- {
			segment := current[i]
			if kept+len(segment) > overlap {
				if kept == 0 {
					if tail := overlapTail(segment, overlap); tail != "" {
						keep = []string{tail}
						kept = len(tail)
					}
				}
				break
			}
			keep = append([]string{segment}, keep...)
			kept += len(segment)
		}
		if kept >= currentLen {
			// Overlap would reproduce the whole chunk; start clean instead.
			keep = nil
			kept = 0
		}
		current = keep
		currentLen = kept
	}

	for _, segment := range segments {
		if currentLen > 0 && currentLen+len(segment) > budget {
			flush()
		}
		current = append(current, segment)
		currentLen += len(segment)
	}

	if currentLen > 0 {
		body := strings.Join(current, "\n\n")
		chunks = append(chunks, Chunk{
			ID:     fmt.Sprintf("%s:%s:%d", opts.IDPrefix, slug, len(chunks)),
			Text:   body,
			Source: opts.Source,
			URL:    opts.URL,
		})
	}

	return chunks
}

// splitSegments yields trimmed, non-empty segments no longer than budget:
// paragraphs where they fit, sentences where a paragraph is too long, and
// fixed-size slices for pathological unbreakable input.
func splitSegments(text string, budget int) []string {
	clean := strings.ReplaceAll(text, "\r\n", "\n")

	var segments []string
	for _, paragraph := range strings.Split(clean, "\n\n") {
		p := strings.TrimSpace(paragraph)
		if p == "" {
			continue
		}
		if len(p) <= budget {
			segments = append(segments, p)
			continue
		}

		for _, sentence := range splitSentences(p) {
			if len(sentence) <= budget {
				segments = append(segments, sentence)
				continue
			}
			segments = append(segments, hardSplit(sentence, budget)...)
		}
	}
	return segments
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// overlapTail returns at most n trailing characters of text, advanced to
// the next word boundary where one exists so the seed does not start
// mid-word.
func overlapTail(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return strings.TrimSpace(text)
	}

	tail := string(runes[len(runes)-n:])
	if idx := strings.IndexFunc(tail, unicode.IsSpace); idx >= 0 {
		return strings.TrimSpace(tail[idx:])
	}
	return strings.TrimSpace(tail)
}

func hardSplit(text string, budget int) []string {
	var parts []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += budget {
		end := start + budget
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// slugFromURL derives a stable id component from the URL path. Unparseable
// URLs fall back to slugging the raw string so ids stay deterministic.
func slugFromURL(raw string) string {
	path := raw
	if parsed, err := url.Parse(raw); err == nil && parsed.Path != "" {
		path = parsed.Path
	}

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(path) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "root"
	}
	return slug
}
