package agent

import (
	"context"
	"strings"

	"github.com/haasonsaas/heyfun/pkg/models"
)

// CapabilityModel runs short, tool-free reasoning calls (query expansion,
// synthesis, intent detection) against a chat provider.
type CapabilityModel struct {
	provider  ChatProvider
	model     string
	maxTokens int
}

// NewCapabilityModel returns a capability model over provider.
func NewCapabilityModel(provider ChatProvider, model string, maxTokens int) *CapabilityModel {
	return &CapabilityModel{provider: provider, model: model, maxTokens: maxTokens}
}

// Complete returns the full text reply to prompt under system.
func (c *CapabilityModel) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var messages []models.Message
	if strings.TrimSpace(system) != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Content: system})
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Content: prompt})

	deltas, err := c.provider.StreamCompletion(ctx, &ChatRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for d := range deltas {
		if d == nil {
			continue
		}
		if d.Err != nil {
			return "", d.Err
		}
		b.WriteString(d.Content)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
