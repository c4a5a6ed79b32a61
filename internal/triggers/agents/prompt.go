package agents

import (
	"context"
	"fmt"

	"github.com/haasonsaas/heyfun/internal/prompts"
	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/triggers"
)

// MetadataAssembly is the turn metadata key holding the last
// *prompts.AssembleResult.
const MetadataAssembly = "prompt_assembly"

// Refresher assembles and applies a dynamic prompt.
type Refresher interface {
	Refresh(ctx context.Context, state *session.State, req prompts.AssembleRequest) (*prompts.AssembleResult, error)
}

// PromptAssembly refreshes the session's dynamic prompt from the latest user
// message and the detected intent.
type PromptAssembly struct {
	cfg       triggers.Config
	refresher Refresher
	topK      int
}

// NewPromptAssembly returns the micro-agent. It runs after IntentDetector.
func NewPromptAssembly(refresher Refresher, topK int) *PromptAssembly {
	return &PromptAssembly{
		cfg: triggers.Config{
			ID:       "prompt-assembly",
			Name:     "Prompt assembly",
			Triggers: []triggers.TriggerPoint{triggers.Initialization, triggers.OnDemand},
			Priority: 20,
			Enabled:  true,
		},
		refresher: refresher,
		topK:      topK,
	}
}

func (a *PromptAssembly) Config() triggers.Config { return a.cfg }

func (a *PromptAssembly) ShouldExecute(ctx context.Context, turn *session.Turn) bool {
	return turn != nil && turn.State != nil && turn.LastUserMessage() != ""
}

func (a *PromptAssembly) Execute(ctx context.Context, turn *session.Turn) (*triggers.Result, error) {
	result, err := a.refresher.Refresh(ctx, turn.State, prompts.AssembleRequest{
		SessionID: turn.SessionID,
		Message:   turn.LastUserMessage(),
		Intent:    turn.Intent(),
		TopK:      a.topK,
	})
	turn.SetMetadata(MetadataAssembly, result)
	if err != nil {
		return nil, err
	}
	return &triggers.Result{
		Success: true,
		Message: fmt.Sprintf("%d fragments, confidence %.1f", len(result.FragmentIDs), result.Confidence),
		Data:    result,
	}, nil
}
