package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const refIndexName = "_refs.json"

// FSStore persists artifacts under root/<runID>/<key>, with a per-run ref
// index alongside the content files. Writes are whole-file; concurrent
// writers to the same run are serialized by the orchestrator, not here.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("artifact root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) runDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Put writes the content file and updates the run's ref index.
func (s *FSStore) Put(_ context.Context, runID, key string, data []byte) (Ref, error) {
	if err := validateKey(runID, key); err != nil {
		return Ref{}, err
	}
	if key == refIndexName {
		return Ref{}, ErrInvalidKey
	}
	if int64(len(data)) > MaxArtifactSize {
		return Ref{}, errors.New("artifact exceeds maximum allowed size")
	}

	dir := s.runDir(runID)
	path := filepath.Join(dir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Ref{}, fmt.Errorf("creating run directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("writing artifact %s: %w", key, err)
	}

	ref := Ref{
		RunID:     runID,
		Key:       key,
		Hash:      HashBytes(data),
		SizeBytes: int64(len(data)),
	}

	refs, err := s.readIndex(runID)
	if err != nil {
		return Ref{}, err
	}
	replaced := false
	for i := range refs {
		if refs[i].Key == key {
			refs[i] = ref
			replaced = true
			break
		}
	}
	if !replaced {
		refs = append(refs, ref)
	}
	if err := s.writeIndex(runID, refs); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// Get reads the content file for ref and verifies its hash.
func (s *FSStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	if err := validateKey(ref.RunID, ref.Key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.runDir(ref.RunID), ref.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading artifact %s: %w", ref.Key, err)
	}
	if ref.Hash != "" && ref.Hash != HashBytes(data) {
		return nil, ErrIntegrity
	}
	return data, nil
}

// List returns the run's ref index, ordered by key.
func (s *FSStore) List(_ context.Context, runID string) ([]Ref, error) {
	refs, err := s.readIndex(runID)
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

// Delete removes the run directory and everything under it.
func (s *FSStore) Delete(_ context.Context, runID string) error {
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("deleting run artifacts: %w", err)
	}
	return nil
}

func (s *FSStore) readIndex(runID string) ([]Ref, error) {
	data, err := os.ReadFile(filepath.Join(s.runDir(runID), refIndexName))
	if err != nil {
		if os.IsNotExist(err) {
			return []Ref{}, nil
		}
		return nil, fmt.Errorf("reading ref index: %w", err)
	}
	var refs []Ref
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("decoding ref index: %w", err)
	}
	return refs, nil
}

func (s *FSStore) writeIndex(runID string, refs []Ref) error {
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ref index: %w", err)
	}
	path := filepath.Join(s.runDir(runID), refIndexName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing ref index: %w", err)
	}
	return nil
}
