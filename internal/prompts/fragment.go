// Package prompts assembles task-specific system prompt layers from a
// library of prompt fragments retrieved by semantic similarity.
package prompts

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFragmentNotFound is returned when a fragment id is unknown.
var ErrFragmentNotFound = errors.New("prompt fragment not found")

// EmbeddingStatus tracks whether a fragment's vector is current.
type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingCompleted EmbeddingStatus = "completed"
	EmbeddingFailed    EmbeddingStatus = "failed"
)

// Fragment is a reusable chunk of prompt text.
type Fragment struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Content     string `json:"content" yaml:"content"`
	Category    string `json:"category,omitempty" yaml:"category"`
	Section     string `json:"section,omitempty" yaml:"section"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`

	Version         int             `json:"version" yaml:"-"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status" yaml:"-"`
	EmbeddingError  string          `json:"embedding_error,omitempty" yaml:"-"`
	UpdatedAt       time.Time       `json:"updated_at" yaml:"-"`
}

// EmbeddingText is the text embedded for the fragment.
func (f *Fragment) EmbeddingText() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{f.Name, f.Description, f.Content} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

func (f *Fragment) clone() *Fragment {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Category    string
	Section     string
	EnabledOnly bool
}

func (flt Filter) matches(f *Fragment) bool {
	if flt.Category != "" && f.Category != flt.Category {
		return false
	}
	if flt.Section != "" && f.Section != flt.Section {
		return false
	}
	if flt.EnabledOnly && !f.Enabled {
		return false
	}
	return true
}

// Store persists prompt fragments.
type Store interface {
	Get(ctx context.Context, id string) (*Fragment, error)
	// GetMany returns the known fragments among ids, keyed by id.
	GetMany(ctx context.Context, ids []string) (map[string]*Fragment, error)
	// Upsert creates or updates a fragment. Any change to the embedded text
	// or the enabled flag bumps Version and re-arms EmbeddingPending.
	Upsert(ctx context.Context, f *Fragment) (*Fragment, error)
	List(ctx context.Context, filter Filter) ([]*Fragment, error)
	// ListPending returns up to limit fragments awaiting embedding, oldest first.
	ListPending(ctx context.Context, limit int) ([]*Fragment, error)
	// SetEmbeddingStatus records an embedding outcome for a fragment version.
	// Outcomes for superseded versions are ignored.
	SetEmbeddingStatus(ctx context.Context, id string, version int, status EmbeddingStatus, message string) error
}

// merge applies an incoming definition onto the existing record.
func merge(existing, incoming *Fragment, now time.Time) *Fragment {
	next := incoming.clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	next.UpdatedAt = now
	if existing == nil {
		next.Version = 1
		next.EmbeddingStatus = EmbeddingPending
		next.EmbeddingError = ""
		return next
	}
	next.Version = existing.Version
	next.EmbeddingStatus = existing.EmbeddingStatus
	next.EmbeddingError = existing.EmbeddingError
	if existing.EmbeddingText() != next.EmbeddingText() || existing.Enabled != next.Enabled {
		next.Version++
		next.EmbeddingStatus = EmbeddingPending
		next.EmbeddingError = ""
	}
	return next
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	fragments map[string]*Fragment
	now       func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{fragments: make(map[string]*Fragment), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fragments[id]
	if !ok {
		return nil, ErrFragmentNotFound
	}
	return f.clone(), nil
}

func (s *MemoryStore) GetMany(ctx context.Context, ids []string) (map[string]*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Fragment, len(ids))
	for _, id := range ids {
		if f, ok := s.fragments[id]; ok {
			out[id] = f.clone()
		}
	}
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, f *Fragment) (*Fragment, error) {
	if f == nil {
		return nil, errors.New("fragment is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := merge(s.fragments[f.ID], f, s.now().UTC())
	s.fragments[next.ID] = next
	return next.clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Fragment
	for _, f := range s.fragments {
		if filter.matches(f) {
			out = append(out, f.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]*Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Fragment
	for _, f := range s.fragments {
		if f.EmbeddingStatus == EmbeddingPending {
			out = append(out, f.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Fragment) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetEmbeddingStatus(ctx context.Context, id string, version int, status EmbeddingStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fragments[id]
	if !ok {
		return ErrFragmentNotFound
	}
	if f.Version != version {
		return nil
	}
	f.EmbeddingStatus = status
	f.EmbeddingError = message
	return nil
}
