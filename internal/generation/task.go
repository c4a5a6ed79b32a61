// Package generation drives asynchronous media generation jobs submitted to
// external providers to a terminal state.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task id is unknown.
var ErrTaskNotFound = errors.New("generation task not found")

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type is the kind of media requested.
type Type string

const (
	TypeImage  Type = "image"
	TypeVideo  Type = "video"
	TypeAudio  Type = "audio"
	TypeSpeech Type = "speech"
)

// ValidType reports whether t is a known generation type.
func ValidType(t Type) bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeSpeech:
		return true
	}
	return false
}

// ResultItem is one stored output.
type ResultItem struct {
	Key         string     `json:"key"`
	ContentType string     `json:"content_type"`
	Size        int        `json:"size"`
	SourceType  SourceType `json:"source_type"`
}

// Task is a persisted generation job.
type Task struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Model          string         `json:"model"`
	Type           Type           `json:"type"`
	Params         map[string]any `json:"params,omitempty"`
	Status         Status         `json:"status"`
	Results        []ResultItem   `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	ExternalTaskID string         `json:"external_task_id,omitempty"`
	Cost           float64        `json:"cost,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
}

// TaskIDForCall derives a stable task id from a tool call id, so a retried
// creation step finds the task it already created.
func TaskIDForCall(callID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("heyfun/generation/"+callID)).String()
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Params != nil {
		// Params are JSON-shaped; a round trip gives a deep copy.
		if data, err := json.Marshal(t.Params); err == nil {
			var params map[string]any
			if json.Unmarshal(data, &params) == nil {
				c.Params = params
			}
		}
	}
	c.Results = append([]ResultItem(nil), t.Results...)
	return &c
}

// Store persists generation tasks.
type Store interface {
	// Create inserts a task. Creating an existing id returns the stored task
	// unchanged and created=false.
	Create(ctx context.Context, task *Task) (stored *Task, created bool, err error)
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task) error
	// ListByStatus returns tasks in any of statuses last updated before
	// olderThan, oldest first.
	ListByStatus(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*Task, error)
}

// MemoryStore keeps tasks in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (s *MemoryStore) Create(ctx context.Context, task *Task) (*Task, bool, error) {
	if task == nil || task.ID == "" {
		return nil, false, errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[task.ID]; ok {
		return cloneTask(existing), false, nil
	}
	now := time.Now().UTC()
	stored := cloneTask(task)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.tasks[task.ID] = stored
	return cloneTask(stored), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	stored := cloneTask(task)
	stored.UpdatedAt = time.Now().UTC()
	task.UpdatedAt = stored.UpdatedAt
	s.tasks[task.ID] = stored
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*Task, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if want[t.Status] && (olderThan.IsZero() || t.UpdatedAt.Before(olderThan)) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
