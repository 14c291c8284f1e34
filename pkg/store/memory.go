package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// MemoryStore keeps everything in process, for tests and runs without a
// database. Values are cloned on the way in and out so callers cannot alias
// stored state.
type MemoryStore struct {
	mu         sync.Mutex
	seq        int64
	ingestions map[string]int64
	extracted  map[int64][]*entity.Extracted
	failures   []FailedExtraction
	entities   map[string]*entity.Entity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ingestions: map[string]int64{},
		extracted:  map[int64][]*entity.Extracted{},
		entities:   map[string]*entity.Entity{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) InsertRawIngestion(_ context.Context, ing *rawstore.Ingestion) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ingestions[ing.SHA256]; ok {
		return id, nil
	}
	m.seq++
	m.ingestions[ing.SHA256] = m.seq
	return m.seq, nil
}

func (m *MemoryStore) InsertExtracted(_ context.Context, rawID int64, rec *entity.Extracted) error {
	clone, err := cloneJSON(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extracted[rawID] = append(m.extracted[rawID], clone)
	return nil
}

func (m *MemoryStore) InsertFailedExtraction(_ context.Context, f FailedExtraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	return nil
}

func (m *MemoryStore) UpsertEntity(_ context.Context, e *entity.Entity) error {
	clone, err := cloneJSON(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.Slug] = clone
	return nil
}

func (m *MemoryStore) GetEntityBySlug(_ context.Context, slug string) (*entity.Entity, error) {
	m.mu.Lock()
	e, ok := m.entities[slug]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJSON(e)
}

// Entities returns every stored entity sorted by slug.
func (m *MemoryStore) Entities() []*entity.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		clone, err := cloneJSON(e)
		if err != nil {
			continue
		}
		out = append(out, clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Failures returns a copy of every recorded extraction failure.
func (m *MemoryStore) Failures() []FailedExtraction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailedExtraction, len(m.failures))
	copy(out, m.failures)
	return out
}

// ExtractedCount reports how many extracted records were persisted.
func (m *MemoryStore) ExtractedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, recs := range m.extracted {
		n += len(recs)
	}
	return n
}

func cloneJSON[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}
