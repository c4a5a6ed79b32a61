// Package agents holds the micro-agents bundled with the runtime.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/internal/triggers"
)

const intentSystemPrompt = `You classify requests sent to an AI assistant.
Reply with a single JSON object and nothing else:
{"goal": "<one sentence>", "task_type": "<conversation|question|writing|coding|analysis|research|media|planning|other>", "complexity": "<low|medium|high>"}`

// IntentDetector reads the latest user message with the capability model and
// records the structured intent on the turn.
type IntentDetector struct {
	cfg triggers.Config
}

// NewIntentDetector returns the detector with its default registration.
func NewIntentDetector() *IntentDetector {
	return &IntentDetector{cfg: triggers.Config{
		ID:       "intent-detector",
		Name:     "Intent detector",
		Triggers: []triggers.TriggerPoint{triggers.Initialization},
		Priority: 10,
		Enabled:  true,
	}}
}

func (a *IntentDetector) Config() triggers.Config { return a.cfg }

// ShouldExecute runs the detector once per user message.
func (a *IntentDetector) ShouldExecute(ctx context.Context, turn *session.Turn) bool {
	if turn == nil || turn.Capability == nil {
		return false
	}
	msg := turn.LastUserMessage()
	if msg == "" {
		return false
	}
	prev := turn.Intent()
	return prev == nil || prev.Message != msg
}

func (a *IntentDetector) Execute(ctx context.Context, turn *session.Turn) (*triggers.Result, error) {
	msg := turn.LastUserMessage()
	reply, err := turn.Capability.Complete(ctx, intentSystemPrompt, msg)
	if err != nil {
		return nil, fmt.Errorf("intent detection: %w", err)
	}
	intent, err := parseIntent(reply)
	if err != nil {
		return nil, err
	}
	intent.Message = msg
	turn.SetIntent(intent)
	return &triggers.Result{Success: true, Message: intent.TaskType, Data: intent}, nil
}

func parseIntent(reply string) (*session.Intent, error) {
	text := strings.TrimSpace(reply)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var intent session.Intent
	if err := json.Unmarshal([]byte(text), &intent); err != nil {
		return nil, fmt.Errorf("parse intent: %w", err)
	}
	intent.Goal = strings.TrimSpace(intent.Goal)
	intent.TaskType = strings.ToLower(strings.TrimSpace(intent.TaskType))
	if intent.Goal == "" && intent.TaskType == "" {
		return nil, errors.New("parse intent: empty classification")
	}
	if intent.TaskType == "" {
		intent.TaskType = "other"
	}
	switch c := strings.ToLower(strings.TrimSpace(intent.Complexity)); c {
	case "low", "medium", "high":
		intent.Complexity = c
	default:
		intent.Complexity = "medium"
	}
	return &intent, nil
}
