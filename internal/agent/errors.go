package agent

import "errors"

var (
	// ErrEmptyConversation rejects a history with nothing for the model to
	// answer: no messages, or only system messages and blank content.
	ErrEmptyConversation = errors.New("conversation has no non-system message with content")

	// ErrNoProvider indicates no chat provider is configured.
	ErrNoProvider = errors.New("no provider configured")
)
