package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/heyfun/internal/session"
)

// ErrorKind classifies tool failures.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindUnauthorized     ErrorKind = "unauthorized"
)

// ToolError is the structured failure carried in a Result.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(e.Details, "; "))
}

// ClientAction tells the user interface what to render for a client tool.
type ClientAction struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the outcome of every tool call. Failures are values, never
// panics or Go errors crossing the registry boundary.
type Result struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ToolError `json:"error,omitempty"`

	// UpdateSystemPrompt signals the session's dynamic prompt changed to
	// SystemPrompt. An empty SystemPrompt means the layer was cleared.
	UpdateSystemPrompt bool   `json:"update_system_prompt,omitempty"`
	SystemPrompt       string `json:"system_prompt,omitempty"`
	// Terminate signals the session should finish with Summary.
	Terminate bool   `json:"terminate,omitempty"`
	Summary   string `json:"summary,omitempty"`
	// AttachedTools are tool names the call made active for the session.
	AttachedTools []string `json:"attached_tools,omitempty"`

	ClientAction *ClientAction `json:"client_action,omitempty"`
}

// Apply writes the session effects recorded on the result into state.
// Every effect is idempotent, so a replayed result restores what the
// original execution did.
func (r *Result) Apply(state *session.State) {
	if r == nil || state == nil {
		return
	}
	if len(r.AttachedTools) > 0 {
		state.AttachTools(r.AttachedTools...)
	}
	if r.UpdateSystemPrompt {
		state.SetDynamicPrompt(r.SystemPrompt)
	}
	if r.Terminate && !state.Completed() {
		state.Complete(r.Summary)
	}
}

// OK returns a successful result carrying data.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// Failure returns a failed result.
func Failure(kind ErrorKind, message string, details ...string) *Result {
	return &Result{Success: false, Error: &ToolError{Kind: kind, Message: message, Details: details}}
}

// NotFound is the result for an unknown tool name.
func NotFound(name string) *Result {
	return Failure(KindNotFound, fmt.Sprintf("tool %q is not registered", name))
}

// InvalidArguments is the result for arguments violating the tool schema.
func InvalidArguments(details ...string) *Result {
	return Failure(KindInvalidArguments, "arguments do not match the tool schema", details...)
}

// ExecutionFailed is the result for an executor error.
func ExecutionFailed(message string) *Result {
	return Failure(KindExecutionFailed, message)
}

// Unauthorized is the result for a call outside the caller's scope.
func Unauthorized(message string) *Result {
	return Failure(KindUnauthorized, message)
}

// Content renders the result as text for a tool message, truncated to max
// characters when max > 0.
func (r *Result) Content(max int) string {
	if r == nil {
		return ""
	}
	var text string
	switch {
	case !r.Success && r.Error != nil:
		text = "Error: " + r.Error.Error()
	default:
		switch v := r.Data.(type) {
		case nil:
			text = "ok"
		case string:
			text = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				text = fmt.Sprintf("%v", v)
			} else {
				text = string(b)
			}
		}
	}
	return Truncate(text, max)
}

// Truncate shortens s to max runes, marking the cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "... [truncated]"
}
