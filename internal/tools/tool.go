// Package tools defines the tool execution contract: descriptors, the two
// executor variants, structured results, and the registry that validates and
// durably dispatches calls.
package tools

import (
	"context"
	"encoding/json"
)

// Runtime is where a tool executes.
type Runtime string

const (
	// RuntimeServer tools execute inside the runtime.
	RuntimeServer Runtime = "server"
	// RuntimeClient tools are rendered and executed by the user interface.
	RuntimeClient Runtime = "client"
)

// Category groups tools for listing and attachment.
type Category string

const (
	CategoryCore        Category = "core"
	CategoryPrompt      Category = "prompt"
	CategoryMedia       Category = "media"
	CategoryInteraction Category = "interaction"
)

// Descriptor is the static metadata of a tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	Runtime     Runtime         `json:"runtime"`
	Parameters  json.RawMessage `json:"parameters"`

	// Attachable tools are not offered by default; a session opts in through
	// attach_tools.
	Attachable bool `json:"attachable,omitempty"`

	// RequiresOrganization rejects calls without an organization scope.
	RequiresOrganization bool `json:"requires_organization,omitempty"`
}

// Tool is implemented by every registered tool.
type Tool interface {
	Descriptor() Descriptor
}

// ServerTool executes inside the runtime.
type ServerTool interface {
	Tool
	Execute(ctx context.Context, ec *ExecContext, args json.RawMessage) (*Result, error)
}

// ClientTool produces an action for the user interface instead of executing.
type ClientTool interface {
	Tool
	PrepareClientAction(ctx context.Context, ec *ExecContext, args json.RawMessage) (*ClientAction, error)
}

// Declaration is the provider-facing shape of a tool.
type Declaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
