package session

import (
	"context"
	"sync"

	"github.com/haasonsaas/heyfun/pkg/models"
)

// Completer runs a single non-streaming reasoning call against the
// capability model.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ModelConfig describes the chat model serving a session.
type ModelConfig struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Intent is the structured reading of what the user is asking for.
type Intent struct {
	Goal       string `json:"goal"`
	TaskType   string `json:"task_type"`
	Complexity string `json:"complexity"`
	// Message is the user message the intent was derived from.
	Message string `json:"-"`
}

// Turn is the context handed to micro-agents and tools: conversation,
// model configuration, capability model, and session state.
type Turn struct {
	SessionID      string
	OrganizationID string
	Model          ModelConfig
	Capability     Completer
	State          *State

	mu       sync.RWMutex
	messages []models.Message
	intent   *Intent
	metadata map[string]any
}

// NewTurn creates a turn context over an initial message history.
func NewTurn(sessionID, organizationID string, state *State, messages []models.Message) *Turn {
	return &Turn{
		SessionID:      sessionID,
		OrganizationID: organizationID,
		State:          state,
		messages:       append([]models.Message(nil), messages...),
		metadata:       make(map[string]any),
	}
}

// Messages returns a copy of the conversation history.
func (t *Turn) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.Message(nil), t.messages...)
}

// Append adds messages to the history.
func (t *Turn) Append(msgs ...models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msgs...)
}

// LastUserMessage returns the latest user message content.
func (t *Turn) LastUserMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msg, _ := models.LastUserMessage(t.messages)
	return msg.Content
}

// Intent returns the detected intent, if any.
func (t *Turn) Intent() *Intent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.intent
}

// SetIntent records the detected intent.
func (t *Turn) SetIntent(intent *Intent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intent = intent
}

// SetMetadata stores a value for later micro-agents.
func (t *Turn) SetMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metadata[key] = value
}

// Metadata returns a stored value.
func (t *Turn) Metadata(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.metadata[key]
	return v, ok
}

// AttachedTools returns the session's dynamically attached tool names.
func (t *Turn) AttachedTools() []string {
	if t.State == nil {
		return nil
	}
	return t.State.AttachedTools()
}
