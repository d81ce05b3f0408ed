// Package memory holds what the system learns across runs: discovered
// schemas and verified queries, approved mapping specs and their outcomes,
// discovery errors and vendor quirks, and cross-vendor query patterns. Each
// cache is one JSON document per vendor directory with a top-level updatedAt
// timestamp, a staleness window, and a size cap enforced on write
// (dedup first, then trim).
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Document store
// ---------------------------------------------------------------------------

var ErrBadKey = errors.New("cache key is invalid")

// DocumentStore persists one JSON document per key. Reads and writes are
// whole-document; concurrent writers to the same key need external
// serialization, which the orchestrator provides by running one vendor's
// work at a time.
type DocumentStore interface {
	Load(key string, out any) (bool, error)
	Save(key string, doc any) error
}

func validateCacheKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return nil
}

// FileDocumentStore keeps documents under root, one file per key.
type FileDocumentStore struct {
	root string
}

// NewFileDocumentStore creates the cache root if needed.
func NewFileDocumentStore(root string) (*FileDocumentStore, error) {
	if root == "" {
		return nil, errors.New("cache root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &FileDocumentStore{root: root}, nil
}

// Load reads and decodes the document at key. A missing file is (false, nil).
func (s *FileDocumentStore) Load(key string, out any) (bool, error) {
	if err := validateCacheKey(key); err != nil {
		return false, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading cache %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding cache %s: %w", key, err)
	}
	return true, nil
}

// Save encodes doc and writes it whole-file.
func (s *FileDocumentStore) Save(key string, doc any) error {
	if err := validateCacheKey(key); err != nil {
		return err
	}
	path := filepath.Join(s.root, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache %s: %w", key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing cache %s: %w", key, err)
	}
	return nil
}

// MemDocumentStore is a thread-safe in-memory DocumentStore for tests.
type MemDocumentStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemDocumentStore returns an empty in-memory store.
func NewMemDocumentStore() *MemDocumentStore {
	return &MemDocumentStore{docs: make(map[string][]byte)}
}

// Load decodes the stored document, if any.
func (s *MemDocumentStore) Load(key string, out any) (bool, error) {
	if err := validateCacheKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	data, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decoding cache %s: %w", key, err)
	}
	return true, nil
}

// Save encodes and stores the document.
func (s *MemDocumentStore) Save(key string, doc any) error {
	if err := validateCacheKey(key); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding cache %s: %w", key, err)
	}
	s.mu.Lock()
	s.docs[key] = data
	s.mu.Unlock()
	return nil
}

func vendorKey(vendor, file string) string {
	return vendor + "/" + file
}
