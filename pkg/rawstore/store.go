// Package rawstore archives raw source payloads in a content-addressed lake.
// Objects are keyed by source, fetch date, and payload SHA-256, so identical
// payloads fetched on the same day store exactly once and the lake stays
// browsable by source and day.
package rawstore

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facetdata/facet/pkg/canonicalize"
)

// Store is the lake contract. Put is idempotent: writing a payload that
// already exists at its key is a no-op, not an error.
type Store interface {
	// Put writes payload at key and returns key.
	Put(ctx context.Context, key string, payload []byte) (string, error)
	// Get retrieves a payload by key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether an object is already present at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key returns the canonical object key for a payload.
func Key(source string, fetchedAt time.Time, sha string) string {
	return path.Join(source, fetchedAt.UTC().Format("20060102"), sha+".json")
}

// Ingestion is one raw payload obtained from a source, before any
// interpretation.
type Ingestion struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	SHA256    string    `json:"sha256"`
	Payload   []byte    `json:"-"`
	// Ref is the lake key the payload was archived under.
	Ref string `json:"ref,omitempty"`
	// Duplicate marks payloads whose content was already in the lake when
	// this ingestion happened.
	Duplicate bool `json:"-"`
}

// NewIngestion stamps a payload with its identity: a fresh id, the fetch
// time, and the content hash.
func NewIngestion(source, url string, payload []byte, fetchedAt time.Time) *Ingestion {
	return &Ingestion{
		ID:        uuid.NewString(),
		Source:    source,
		URL:       url,
		FetchedAt: fetchedAt,
		SHA256:    canonicalize.HashBytes(payload),
		Payload:   payload,
	}
}

// Archive writes the ingestion's payload to s and records the ref on the
// ingestion.
func (ing *Ingestion) Archive(ctx context.Context, s Store) error {
	ref, err := s.Put(ctx, Key(ing.Source, ing.FetchedAt, ing.SHA256), ing.Payload)
	if err != nil {
		return fmt.Errorf("rawstore: archive %s: %w", ing.SHA256, err)
	}
	ing.Ref = ref
	return nil
}

// FileStore is the filesystem lake, rooted at a base directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the lake root if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("rawstore: ensure lake dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) objectPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// Put writes atomically: temp file in the target directory, then rename.
func (s *FileStore) Put(_ context.Context, key string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.objectPath(key)
	if _, err := os.Stat(target); err == nil {
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("rawstore: ensure dir: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("rawstore: write payload: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("rawstore: commit payload: %w", err)
	}
	return key, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("rawstore: object not found: %s", key)
		}
		return nil, fmt.Errorf("rawstore: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.objectPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("rawstore: stat %s: %w", key, err)
}

// MemStore keeps the lake in memory, for tests and ephemeral runs.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore returns an empty in-memory lake.
func NewMemStore() *MemStore {
	return &MemStore{objects: map[string][]byte{}}
}

func (s *MemStore) Put(_ context.Context, key string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		s.objects[key] = cp
	}
	return key, nil
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("rawstore: object not found: %s", key)
	}
	return data, nil
}

func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Len reports how many objects the store holds.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
