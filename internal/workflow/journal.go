package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is a completed durable step.
type Record struct {
	RunID       string
	Key         string
	Output      json.RawMessage
	CompletedAt time.Time
}

// Journal persists completed steps and delivered events so runs can resume.
type Journal interface {
	// LoadStep returns the recorded step, if present.
	LoadStep(ctx context.Context, runID, key string) (*Record, bool, error)
	// SaveStep records a step. The first recorded output for a key wins.
	SaveStep(ctx context.Context, rec *Record) error
	// SaveEvent records an event payload.
	SaveEvent(ctx context.Context, event string, payload json.RawMessage) error
	// LoadEvent returns a delivered event payload, if present.
	LoadEvent(ctx context.Context, event string) (json.RawMessage, bool, error)
}

// MemoryJournal is an in-process Journal.
type MemoryJournal struct {
	mu     sync.RWMutex
	steps  map[string]*Record
	events map[string]json.RawMessage
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		steps:  make(map[string]*Record),
		events: make(map[string]json.RawMessage),
	}
}

func stepID(runID, key string) string {
	return runID + "\x00" + key
}

func (j *MemoryJournal) LoadStep(_ context.Context, runID, key string) (*Record, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.steps[stepID(runID, key)]
	if !ok {
		return nil, false, nil
	}
	clone := *rec
	clone.Output = append(json.RawMessage(nil), rec.Output...)
	return &clone, true, nil
}

func (j *MemoryJournal) SaveStep(_ context.Context, rec *Record) error {
	if rec == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	id := stepID(rec.RunID, rec.Key)
	if _, exists := j.steps[id]; exists {
		return nil
	}
	clone := *rec
	clone.Output = append(json.RawMessage(nil), rec.Output...)
	j.steps[id] = &clone
	return nil
}

func (j *MemoryJournal) SaveEvent(_ context.Context, event string, payload json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events[event] = append(json.RawMessage(nil), payload...)
	return nil
}

func (j *MemoryJournal) LoadEvent(_ context.Context, event string) (json.RawMessage, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	payload, ok := j.events[event]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), payload...), true, nil
}
