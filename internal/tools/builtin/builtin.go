// Package builtin provides the tools every session starts with: session
// control, prompt refresh, media generation, and user interaction.
package builtin

import (
	"context"
	"time"

	"github.com/haasonsaas/heyfun/internal/blob"
	"github.com/haasonsaas/heyfun/internal/generation"
	"github.com/haasonsaas/heyfun/internal/prompts"
	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/tools"
	"github.com/haasonsaas/heyfun/internal/workflow"
)

// PromptRefresher assembles and applies a dynamic prompt.
// *prompts.Assembler satisfies it.
type PromptRefresher interface {
	Refresh(ctx context.Context, state *session.State, req prompts.AssembleRequest) (*prompts.AssembleResult, error)
}

// Deps are the collaborators of the built-in tools. Tools whose
// collaborators are missing are not registered.
type Deps struct {
	Prompts PromptRefresher

	Tasks     generation.Store
	Triggerer workflow.Triggerer
	Blobs     blob.Store
	// DefaultModels picks the model per media type when a call names none.
	DefaultModels map[generation.Type]string
	// Parallelism bounds concurrent reconciliations per organization.
	Parallelism int
	// WaitTimeout bounds how long generate_media waits when asked to.
	WaitTimeout time.Duration
	// URLTTL is the lifetime of signed result URLs.
	URLTTL time.Duration
}

const (
	defaultParallelism = 2
	defaultWaitTimeout = 5 * time.Minute
	defaultURLTTL      = time.Hour
)

// Register adds the built-in tools to reg.
func Register(reg *tools.Registry, deps Deps) error {
	if deps.Parallelism <= 0 {
		deps.Parallelism = defaultParallelism
	}
	if deps.WaitTimeout <= 0 {
		deps.WaitTimeout = defaultWaitTimeout
	}
	if deps.URLTTL <= 0 {
		deps.URLTTL = defaultURLTTL
	}

	all := []tools.Tool{
		NewTerminateTool(),
		NewAttachToolsTool(reg),
		NewAskUserTool(),
	}
	if deps.Prompts != nil {
		all = append(all, NewUpdateSystemPromptTool(deps.Prompts))
	}
	if deps.Tasks != nil && deps.Triggerer != nil {
		all = append(all, NewGenerateMediaTool(deps))
	}
	if deps.Tasks != nil {
		all = append(all, NewGetGenerationTaskTool(deps.Tasks, deps.Blobs, deps.URLTTL))
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
