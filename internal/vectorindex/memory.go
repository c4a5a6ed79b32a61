package vectorindex

import (
	"context"
	"fmt"
	"sync"
)

// MemoryIndex is an in-process Index with exhaustive cosine search.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string]Vector
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string]Vector)}
}

// Query implements Index.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]Match, 0, len(m.vectors))
	for id, v := range m.vectors {
		matches = append(matches, Match{
			ID:       id,
			Score:    CosineSimilarity(vector, v.Values),
			Metadata: copyMetadata(v.Metadata),
		})
	}
	return rank(matches, topK), nil
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(ctx context.Context, vectors ...Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vectors {
		if v.ID == "" {
			return fmt.Errorf("vector id is required")
		}
		m.vectors[v.ID] = Vector{
			ID:       v.ID,
			Values:   append([]float32(nil), v.Values...),
			Metadata: copyMetadata(v.Metadata),
		}
	}
	return nil
}

// Delete implements Index.
func (m *MemoryIndex) Delete(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

// Len returns the number of stored vectors.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
