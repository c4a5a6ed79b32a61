package agents

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/triggers"
	"github.com/haasonsaas/heyfun/pkg/models"
)

// DefaultRepeatThreshold is how many identical assistant steps count as a
// loop.
const DefaultRepeatThreshold = 3

// LoopGuard watches for an assistant repeating itself and queues a
// corrective hint for the next step.
type LoopGuard struct {
	cfg       triggers.Config
	threshold int
}

// NewLoopGuard returns the guard. Thresholds below 2 use the default.
func NewLoopGuard(threshold int) *LoopGuard {
	if threshold < 2 {
		threshold = DefaultRepeatThreshold
	}
	return &LoopGuard{
		cfg: triggers.Config{
			ID:       "loop-guard",
			Name:     "Loop guard",
			Triggers: []triggers.TriggerPoint{triggers.PostIteration},
			Priority: 50,
			Enabled:  true,
		},
		threshold: threshold,
	}
}

func (g *LoopGuard) Config() triggers.Config { return g.cfg }

func (g *LoopGuard) Execute(ctx context.Context, turn *session.Turn) (*triggers.Result, error) {
	if turn.State == nil {
		return triggers.Succeeded("no session state"), nil
	}
	steps := lastAssistantSteps(turn.Messages(), g.threshold)
	if len(steps) < g.threshold {
		return triggers.Succeeded("not enough history"), nil
	}
	for _, s := range steps[1:] {
		if !sameStep(steps[0], s) {
			return triggers.Succeeded("no repetition"), nil
		}
	}

	hint := fmt.Sprintf("Your last %d steps were identical. Do not repeat them. "+
		"Change approach, use a different tool or different arguments, or give your final answer.", g.threshold)
	if len(steps[0].ToolCalls) > 0 {
		hint = fmt.Sprintf("You called %s with the same arguments %d times in a row and got the same outcome. "+
			"Do not call it again with these arguments; change approach or give your final answer.",
			steps[0].ToolCalls[0].Name, g.threshold)
	}
	turn.State.AddHint(hint)
	return &triggers.Result{Success: true, Message: "repetition detected", Data: hint}, nil
}

func lastAssistantSteps(msgs []models.Message, n int) []models.Message {
	var out []models.Message
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		switch msgs[i].Role {
		case models.RoleAssistant:
			out = append(out, msgs[i])
		case models.RoleUser:
			// A new user message resets loop detection.
			return out
		}
	}
	return out
}

func sameStep(a, b models.Message) bool {
	if strings.TrimSpace(a.Content) != strings.TrimSpace(b.Content) {
		return false
	}
	if len(a.ToolCalls) != len(b.ToolCalls) {
		return false
	}
	for i := range a.ToolCalls {
		if a.ToolCalls[i].Name != b.ToolCalls[i].Name ||
			!bytes.Equal(bytes.TrimSpace(a.ToolCalls[i].Arguments), bytes.TrimSpace(b.ToolCalls[i].Arguments)) {
			return false
		}
	}
	return true
}
