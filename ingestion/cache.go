package ingestion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ExtractedDocument is one pre-extracted source page, read from a batch
// file as a newline-delimited JSON record.
type ExtractedDocument struct {
	URL     string `json:"url"`
	Hash    string `json:"hash"`
	Text    string `json:"text"`
	LastMod string `json:"lastmod,omitempty"`
}

// CacheEntry records the last-seen content hash for a URL. LastMod is
// carried for diagnostics only; the reprocess decision is hash comparison
// alone, so clock skew on the source cannot cause false skips.
type CacheEntry struct {
	URL     string `json:"url"`
	Hash    string `json:"hash"`
	LastMod string `json:"lastmod,omitempty"`
}

// Cache is the persisted url -> entry mapping that lets re-runs skip
// unchanged documents. An entry is committed only after all of the
// document's chunks have been durably upserted.
type Cache struct {
	path    string
	entries map[string]CacheEntry
}

// LoadCache reads the cache file at path. A missing or corrupt file yields
// an empty cache: the failure mode is "reprocess everything", never fatal.
func LoadCache(path string) *Cache {
	cache := &Cache{
		path:    path,
		entries: make(map[string]CacheEntry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cache
	}

	var stored map[string]CacheEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return cache
	}

	for url, entry := range stored {
		entry.URL = url
		cache.entries[url] = entry
	}
	return cache
}

func (c *Cache) Lookup(url string) (CacheEntry, bool) {
	entry, ok := c.entries[url]
	return entry, ok
}

// ShouldReprocess reports whether doc needs ingestion: true when the URL is
// unknown or its content hash changed.
func (c *Cache) ShouldReprocess(doc ExtractedDocument) bool {
	entry, ok := c.entries[doc.URL]
	if !ok {
		return true
	}
	return entry.Hash != doc.Hash
}

// Merge replaces or adds entries without touching the rest of the mapping.
func (c *Cache) Merge(entries []CacheEntry) {
	for _, entry := range entries {
		if entry.URL == "" {
			continue
		}
		c.entries[entry.URL] = entry
	}
}

func (c *Cache) Len() int {
	return len(c.entries)
}

// Save writes the mapping to a temp file and renames it into place, so a
// crash mid-write leaves the previous cache intact.
func (c *Cache) Save() error {
	stored := make(map[string]CacheEntry, len(c.entries))
	for url, entry := range c.entries {
		stored[url] = CacheEntry{Hash: entry.Hash, LastMod: entry.LastMod}
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache directory: %w", err)
		}
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
