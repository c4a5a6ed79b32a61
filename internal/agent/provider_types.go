package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/heyfun/pkg/models"
)

// ToolChoiceAuto lets the model decide whether to call tools.
const ToolChoiceAuto = "auto"

// ToolDeclaration describes a callable tool to the model.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is the vendor-neutral request handed to a ChatProvider.
type ChatRequest struct {
	Model    string            `json:"model"`
	Messages []models.Message  `json:"messages"`
	Tools    []ToolDeclaration `json:"tools,omitempty"`

	// ToolChoice is empty when no tools are offered, ToolChoiceAuto otherwise.
	ToolChoice string `json:"tool_choice,omitempty"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. Fragments with the
// same Index belong to the same call; Name and Arguments may be split across
// several deltas.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta is one chunk of a streamed completion.
type Delta struct {
	Role         models.Role        `json:"role,omitempty"`
	Content      string             `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta    `json:"tool_calls,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"`
	Usage        *models.TokenUsage `json:"usage,omitempty"`

	// Err ends the stream with a transport failure.
	Err error `json:"-"`
}

// ChatProvider streams completions from a model vendor.
//
// StreamCompletion returns a channel the provider closes when the stream ends.
// Providers must stop sending once ctx is done so abandoned streams do not
// leak goroutines.
type ChatProvider interface {
	Name() string
	StreamCompletion(ctx context.Context, req *ChatRequest) (<-chan *Delta, error)
}

// EventType names the kinds of events a turn produces.
type EventType string

const (
	EventContent    EventType = "content"
	EventToolCall   EventType = "tool_call"
	EventTokenUsage EventType = "token_usage"
)

// Event is one typed output of a turn.
type Event struct {
	Type     EventType          `json:"type"`
	Content  string             `json:"content,omitempty"`
	ToolCall *models.ToolCall   `json:"tool_call,omitempty"`
	Usage    *models.TokenUsage `json:"usage,omitempty"`
}
