// Package artifact stores the opaque byte payloads a migration run works
// over: uploaded source exports, generated profiles, mapping specs, and
// discovery transcripts. It defines the Store interface, an in-memory
// implementation for tests and development, and a filesystem implementation
// for single-node deployments. Object storage backends are an external
// concern and plug in behind the same interface.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound   = errors.New("artifact not found")
	ErrIntegrity  = errors.New("artifact content does not match its hash")
	ErrInvalidKey = errors.New("artifact key is invalid")
)

// MaxArtifactSize is the maximum allowed artifact size in bytes (200 MB).
const MaxArtifactSize = 200 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Ref identifies one stored artifact. Hash is the SHA-256 of the content and
// is verified on Get; it is an integrity check, not an identifier.
type Ref struct {
	RunID     string `json:"runId"`
	Key       string `json:"key"`
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Store is the contract for artifact persistence backends.
type Store interface {
	Put(ctx context.Context, runID, key string, data []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	List(ctx context.Context, runID string) ([]Ref, error)
	Delete(ctx context.Context, runID string) error
}

// HashBytes returns the hex-encoded SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validateKey(runID, key string) error {
	if runID == "" || key == "" {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedArtifact struct {
	ref  Ref
	data []byte
}

// MemStore is a thread-safe, in-memory Store for tests and development.
type MemStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]storedArtifact
}

// NewMemStore returns a ready-to-use MemStore.
func NewMemStore() *MemStore {
	return &MemStore{runs: make(map[string]map[string]storedArtifact)}
}

// Put stores data under (runID, key), replacing any previous content for the
// same key, and returns the resulting Ref.
func (s *MemStore) Put(_ context.Context, runID, key string, data []byte) (Ref, error) {
	if err := validateKey(runID, key); err != nil {
		return Ref{}, err
	}
	if int64(len(data)) > MaxArtifactSize {
		return Ref{}, errors.New("artifact exceeds maximum allowed size")
	}

	ref := Ref{
		RunID:     runID,
		Key:       key,
		Hash:      HashBytes(data),
		SizeBytes: int64(len(data)),
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		run = make(map[string]storedArtifact)
		s.runs[runID] = run
	}
	run[key] = storedArtifact{ref: ref, data: stored}
	s.mu.Unlock()

	return ref, nil
}

// Get returns the content for ref, verifying the stored bytes still match
// the ref's hash.
func (s *MemStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	run, ok := s.runs[ref.RunID]
	var art storedArtifact
	if ok {
		art, ok = run[ref.Key]
	}
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if ref.Hash != "" && ref.Hash != art.ref.Hash {
		return nil, ErrIntegrity
	}

	out := make([]byte, len(art.data))
	copy(out, art.data)
	return out, nil
}

// List returns the refs stored for a run, ordered by key.
func (s *MemStore) List(_ context.Context, runID string) ([]Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return []Ref{}, nil
	}
	refs := make([]Ref, 0, len(run))
	for _, art := range run {
		refs = append(refs, art.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

// Delete removes every artifact stored for a run.
func (s *MemStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(s.runs, runID)
	return nil
}

// Equal reports whether data matches the ref's recorded hash.
func (r Ref) Equal(data []byte) bool {
	return r.Hash == HashBytes(data) && r.SizeBytes == int64(len(data))
}
